package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/cryptosync/internal/cryptor"
	"github.com/openmined/cryptosync/internal/ledger"
	"github.com/openmined/cryptosync/internal/syncer"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSources hands out sources whose notifications are sent by the test.
type fakeSources struct {
	mu      sync.Mutex
	byRoot  map[string]*fakeSource
	started int
}

type fakeSource struct {
	owner   *fakeSources
	root    string
	emit    func(RawEvent)
	stopped bool
}

func (f *fakeSources) factory() (Source, error) {
	return &fakeSource{owner: f}, nil
}

func (s *fakeSource) Start(root string, emit func(RawEvent)) error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.root = root
	s.emit = emit
	s.owner.byRoot[root] = s
	s.owner.started++
	return nil
}

func (s *fakeSource) Stop() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.stopped = true
	delete(s.owner.byRoot, s.root)
	return nil
}

func (f *fakeSources) send(t *testing.T, root, path string, op Op) {
	t.Helper()
	f.mu.Lock()
	src, ok := f.byRoot[root]
	f.mu.Unlock()
	require.True(t, ok, "no source watching %s", root)
	src.emit(RawEvent{Path: path, Op: op})
}

type traced struct {
	event   Event
	outcome string
}

type gatewayFixture struct {
	roots   syncer.Roots
	key     cryptor.Key
	clock   clockwork.FakeClock
	sources *fakeSources
	ledger  *ledger.Service
	gw      *Gateway
	traces  chan traced
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	base := t.TempDir()
	roots := syncer.Roots{Plain: filepath.Join(base, "plain"), Cipher: filepath.Join(base, "cipher")}
	require.NoError(t, os.MkdirAll(roots.Plain, 0o755))
	require.NoError(t, os.MkdirAll(roots.Cipher, 0o755))

	keyPath := filepath.Join(base, "key")
	require.NoError(t, os.WriteFile(keyPath, []byte("watch-secret"), 0o600))
	key, err := cryptor.DeriveKey(keyPath)
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	l := ledger.NewService(ledger.NewJSONStore(afero.NewMemMapFs(), "/ledger.json"), ledger.WithClock(clock))
	_, _, err = l.Load()
	require.NoError(t, err)

	sources := &fakeSources{byRoot: make(map[string]*fakeSource)}
	traces := make(chan traced, 64)
	s := syncer.New(roots, key, syncer.WithRetryPolicy(syncer.RetryPolicy{Attempts: 1, Clock: clock}))
	gw := NewGateway(s, l,
		WithClock(clock),
		WithSourceFactory(sources.factory),
		WithStability(0, 0),
		WithObserver(func(ev Event, outcome string) { traces <- traced{ev, outcome} }),
	)

	require.NoError(t, gw.WatchFolder(syncer.Encrypt))
	require.NoError(t, gw.WatchFolder(syncer.Decrypt))
	t.Cleanup(func() { gw.Close() })

	return &gatewayFixture{roots: roots, key: key, clock: clock, sources: sources, ledger: l, gw: gw, traces: traces}
}

func (f *gatewayFixture) plain(rel string) string  { return filepath.Join(f.roots.Plain, rel) }
func (f *gatewayFixture) cipher(rel string) string { return filepath.Join(f.roots.Cipher, rel) }

func (f *gatewayFixture) next(t *testing.T) traced {
	t.Helper()
	select {
	case tr := <-f.traces:
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return traced{}
	}
}

func (f *gatewayFixture) expectTrace(t *testing.T, path string, typ EventType, outcome string) {
	t.Helper()
	tr := f.next(t)
	assert.Equal(t, path, tr.event.Path)
	assert.Equal(t, typ, tr.event.Type)
	assert.Equal(t, outcome, tr.outcome)
}

func (f *gatewayFixture) decrypted(t *testing.T, rel string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out")
	_, err := cryptor.Decrypt(f.cipher(rel), out, f.key)
	require.NoError(t, err)
	content, err := os.ReadFile(out)
	require.NoError(t, err)
	return string(content)
}

func TestGateway_CreateThenEchoIsSuppressed(t *testing.T) {
	f := newGatewayFixture(t)

	require.NoError(t, os.WriteFile(f.plain("a.txt"), []byte("hello"), 0o644))
	f.sources.send(t, f.roots.Plain, f.plain("a.txt"), OpCreate)
	f.expectTrace(t, f.plain("a.txt"), Created, "synced")

	assert.Equal(t, "hello", f.decrypted(t, "a.txt"))
	assert.Equal(t, 1, f.ledger.Len())
	assert.Equal(t, 1, f.gw.expectations.Len())

	plainInfo, err := os.Stat(f.plain("a.txt"))
	require.NoError(t, err)

	// the mirrored write comes back as a notification on the other root
	f.sources.send(t, f.roots.Cipher, f.cipher("a.txt"), OpCreate)
	f.expectTrace(t, f.cipher("a.txt"), Created, "echo")
	assert.Equal(t, 0, f.gw.expectations.Len())

	// trailing writes of the same change find nothing new
	f.sources.send(t, f.roots.Cipher, f.cipher("a.txt"), OpWrite)
	f.expectTrace(t, f.cipher("a.txt"), Modified, "unchanged")

	after, err := os.Stat(f.plain("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, plainInfo.ModTime(), after.ModTime(), "plaintext was not rewritten")
}

func TestGateway_ModifyMirrorsAndExpectsModified(t *testing.T) {
	f := newGatewayFixture(t)

	require.NoError(t, os.WriteFile(f.plain("a.txt"), []byte("hello"), 0o644))
	f.sources.send(t, f.roots.Plain, f.plain("a.txt"), OpCreate)
	f.expectTrace(t, f.plain("a.txt"), Created, "synced")
	f.sources.send(t, f.roots.Cipher, f.cipher("a.txt"), OpCreate)
	f.expectTrace(t, f.cipher("a.txt"), Created, "echo")

	require.NoError(t, os.WriteFile(f.plain("a.txt"), []byte("world"), 0o644))
	f.sources.send(t, f.roots.Plain, f.plain("a.txt"), OpWrite)
	f.expectTrace(t, f.plain("a.txt"), Modified, "synced")
	assert.Equal(t, "world", f.decrypted(t, "a.txt"))

	f.sources.send(t, f.roots.Cipher, f.cipher("a.txt"), OpWrite)
	f.expectTrace(t, f.cipher("a.txt"), Modified, "echo")

	conn, ok := f.ledger.Get(syncer.ConnectionID(f.plain("a.txt"), f.cipher("a.txt")))
	require.True(t, ok)
	plainFP, err := cryptor.FingerprintFile(f.plain("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, plainFP, conn.SourceFingerprint)
}

func TestGateway_DecryptDirection(t *testing.T) {
	f := newGatewayFixture(t)

	src := filepath.Join(t.TempDir(), "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("from cipher side"), 0o644))
	_, err := cryptor.Encrypt(src, f.cipher("b.txt"), f.key)
	require.NoError(t, err)

	f.sources.send(t, f.roots.Cipher, f.cipher("b.txt"), OpCreate)
	f.expectTrace(t, f.cipher("b.txt"), Created, "synced")

	content, err := os.ReadFile(f.plain("b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from cipher side", string(content))

	f.sources.send(t, f.roots.Plain, f.plain("b.txt"), OpCreate)
	f.expectTrace(t, f.plain("b.txt"), Created, "echo")
}

func TestGateway_DeleteFile(t *testing.T) {
	f := newGatewayFixture(t)

	require.NoError(t, os.WriteFile(f.plain("a.txt"), []byte("hello"), 0o644))
	f.sources.send(t, f.roots.Plain, f.plain("a.txt"), OpCreate)
	f.expectTrace(t, f.plain("a.txt"), Created, "synced")
	f.sources.send(t, f.roots.Cipher, f.cipher("a.txt"), OpCreate)
	f.expectTrace(t, f.cipher("a.txt"), Created, "echo")

	require.NoError(t, os.Remove(f.plain("a.txt")))
	f.sources.send(t, f.roots.Plain, f.plain("a.txt"), OpRemove)
	f.expectTrace(t, f.plain("a.txt"), Deleted, "removed")
	assert.NoFileExists(t, f.cipher("a.txt"))
	assert.Equal(t, 0, f.ledger.Len())

	f.sources.send(t, f.roots.Cipher, f.cipher("a.txt"), OpRemove)
	f.expectTrace(t, f.cipher("a.txt"), Deleted, "echo")
}

func TestGateway_Directories(t *testing.T) {
	f := newGatewayFixture(t)

	require.NoError(t, os.Mkdir(f.plain("d"), 0o755))
	f.sources.send(t, f.roots.Plain, f.plain("d"), OpCreate)
	f.expectTrace(t, f.plain("d"), DirectoryCreated, "created")
	assert.DirExists(t, f.cipher("d"))

	f.sources.send(t, f.roots.Cipher, f.cipher("d"), OpCreate)
	f.expectTrace(t, f.cipher("d"), DirectoryCreated, "echo")

	require.NoError(t, os.Remove(f.plain("d")))
	f.sources.send(t, f.roots.Plain, f.plain("d"), OpRemove)
	f.expectTrace(t, f.plain("d"), DirectoryDeleted, "removed")
	assert.NoDirExists(t, f.cipher("d"))

	f.sources.send(t, f.roots.Cipher, f.cipher("d"), OpRemove)
	f.expectTrace(t, f.cipher("d"), DirectoryDeleted, "echo")
}

func TestGateway_RenameAndIgnored(t *testing.T) {
	f := newGatewayFixture(t)

	// ignored paths are never dispatched
	require.NoError(t, os.WriteFile(f.plain(".hidden"), []byte("h"), 0o644))
	f.sources.send(t, f.roots.Plain, f.plain(".hidden"), OpCreate)

	require.NoError(t, os.WriteFile(f.plain("moved.txt"), []byte("m"), 0o644))
	f.sources.send(t, f.roots.Plain, f.plain("gone.txt"), OpRename)
	f.expectTrace(t, f.plain("gone.txt"), Deleted, "gone")

	f.sources.send(t, f.roots.Plain, f.plain("moved.txt"), OpRename)
	f.expectTrace(t, f.plain("moved.txt"), Created, "synced")
	assert.NoFileExists(t, f.cipher(".hidden"))
}

func TestGateway_ExpiredExpectationDoesNotSuppress(t *testing.T) {
	f := newGatewayFixture(t)

	require.NoError(t, os.WriteFile(f.plain("a.txt"), []byte("hello"), 0o644))
	f.sources.send(t, f.roots.Plain, f.plain("a.txt"), OpCreate)
	f.expectTrace(t, f.plain("a.txt"), Created, "synced")
	require.Equal(t, 1, f.gw.expectations.Len())

	f.clock.Advance(DefaultExpectationWindow)
	require.Eventually(t, func() bool { return f.gw.expectations.Len() == 0 }, 5*time.Second, 5*time.Millisecond)

	f.sources.send(t, f.roots.Cipher, f.cipher("a.txt"), OpCreate)
	f.expectTrace(t, f.cipher("a.txt"), Created, "unchanged")
}

func TestGateway_PauseResume(t *testing.T) {
	f := newGatewayFixture(t)
	assert.Equal(t, 2, f.sources.started)

	require.NoError(t, f.gw.Pause())
	f.sources.mu.Lock()
	assert.Empty(t, f.sources.byRoot)
	f.sources.mu.Unlock()

	require.NoError(t, f.gw.Resume())
	f.sources.mu.Lock()
	assert.Len(t, f.sources.byRoot, 2)
	f.sources.mu.Unlock()
	assert.Equal(t, 4, f.sources.started)

	require.NoError(t, os.WriteFile(f.plain("a.txt"), []byte("after resume"), 0o644))
	f.sources.send(t, f.roots.Plain, f.plain("a.txt"), OpCreate)
	f.expectTrace(t, f.plain("a.txt"), Created, "synced")

	require.NoError(t, f.gw.Close())
	require.NoError(t, f.gw.Close(), "closing twice is fine")
}

func TestGateway_RenamedDirectory(t *testing.T) {
	f := newGatewayFixture(t)

	require.NoError(t, os.MkdirAll(f.plain(filepath.Join("a", "sub")), 0o755))
	f.sources.send(t, f.roots.Plain, f.plain("a"), OpCreate)
	f.expectTrace(t, f.plain("a"), DirectoryCreated, "created")
	f.expectTrace(t, f.plain(filepath.Join("a", "sub")), DirectoryCreated, "created")

	require.NoError(t, os.WriteFile(f.plain(filepath.Join("a", "f.txt")), []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(f.plain(filepath.Join("a", "sub", "g.txt")), []byte("nested"), 0o644))
	f.sources.send(t, f.roots.Plain, f.plain(filepath.Join("a", "f.txt")), OpCreate)
	f.expectTrace(t, f.plain(filepath.Join("a", "f.txt")), Created, "synced")
	f.sources.send(t, f.roots.Plain, f.plain(filepath.Join("a", "sub", "g.txt")), OpCreate)
	f.expectTrace(t, f.plain(filepath.Join("a", "sub", "g.txt")), Created, "synced")
	require.Equal(t, 2, f.ledger.Len())

	require.NoError(t, os.Rename(f.plain("a"), f.plain("b")))
	f.sources.send(t, f.roots.Plain, f.plain("a"), OpRename)
	f.expectTrace(t, f.plain("a"), DirectoryDeleted, "removed")
	assert.NoDirExists(t, f.cipher("a"))
	assert.Equal(t, 0, f.ledger.Len())

	f.sources.send(t, f.roots.Plain, f.plain("b"), OpRename)
	f.expectTrace(t, f.plain("b"), DirectoryCreated, "created")
	f.expectTrace(t, f.plain(filepath.Join("b", "f.txt")), Created, "synced")
	f.expectTrace(t, f.plain(filepath.Join("b", "sub")), DirectoryCreated, "created")
	f.expectTrace(t, f.plain(filepath.Join("b", "sub", "g.txt")), Created, "synced")

	assert.Equal(t, "top", f.decrypted(t, filepath.Join("b", "f.txt")))
	assert.Equal(t, "nested", f.decrypted(t, filepath.Join("b", "sub", "g.txt")))

	ids := f.ledger.Snapshot().Connections
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, syncer.ConnectionID(f.plain(filepath.Join("b", "f.txt")), f.cipher(filepath.Join("b", "f.txt"))))
	assert.Contains(t, ids, syncer.ConnectionID(f.plain(filepath.Join("b", "sub", "g.txt")), f.cipher(filepath.Join("b", "sub", "g.txt"))))

	// a repeated notification for the old name finds nothing left to remove
	f.sources.send(t, f.roots.Plain, f.plain("a"), OpRename)
	f.expectTrace(t, f.plain("a"), Deleted, "gone")

	// removals on the encrypted side are our own
	f.sources.send(t, f.roots.Cipher, f.cipher(filepath.Join("a", "sub", "g.txt")), OpRemove)
	f.expectTrace(t, f.cipher(filepath.Join("a", "sub", "g.txt")), Deleted, "echo")
	f.sources.send(t, f.roots.Cipher, f.cipher("a"), OpRemove)
	f.expectTrace(t, f.cipher("a"), DirectoryDeleted, "echo")
	assert.FileExists(t, f.plain(filepath.Join("b", "sub", "g.txt")))
}

func TestGateway_DirectoryMovedIn(t *testing.T) {
	f := newGatewayFixture(t)

	outside := filepath.Join(t.TempDir(), "import")
	require.NoError(t, os.MkdirAll(filepath.Join(outside, "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "one.txt"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "deep", "two.txt"), []byte("2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, ".hidden"), []byte("h"), 0o644))
	require.NoError(t, os.Rename(outside, f.plain("import")))

	f.sources.send(t, f.roots.Plain, f.plain("import"), OpCreate)
	f.expectTrace(t, f.plain("import"), DirectoryCreated, "created")
	f.expectTrace(t, f.plain(filepath.Join("import", "deep")), DirectoryCreated, "created")
	f.expectTrace(t, f.plain(filepath.Join("import", "deep", "two.txt")), Created, "synced")
	f.expectTrace(t, f.plain(filepath.Join("import", "one.txt")), Created, "synced")

	assert.Equal(t, "1", f.decrypted(t, filepath.Join("import", "one.txt")))
	assert.Equal(t, "2", f.decrypted(t, filepath.Join("import", "deep", "two.txt")))
	assert.NoFileExists(t, f.cipher(filepath.Join("import", ".hidden")))
	assert.Equal(t, 2, f.ledger.Len())

	// the mirrored tree comes back as notifications on the encrypted side
	f.sources.send(t, f.roots.Cipher, f.cipher("import"), OpCreate)
	f.expectTrace(t, f.cipher("import"), DirectoryCreated, "echo")
	f.sources.send(t, f.roots.Cipher, f.cipher(filepath.Join("import", "one.txt")), OpCreate)
	f.expectTrace(t, f.cipher(filepath.Join("import", "one.txt")), Created, "echo")
}

package syncer

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openmined/cryptosync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName holds extra ignore rules, one gitignore pattern per line, at the plaintext root.
const IgnoreFileName = ".cryptosyncignore"

var defaultIgnoreLines = []string{
	// dotfiles and dot directories, including the ignore file itself
	".*",
}

// IgnoreList decides which paths, relative to either root, are never synced.
type IgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

// DefaultIgnoreList holds only the built-in rules.
func DefaultIgnoreList() *IgnoreList {
	return &IgnoreList{ignore: gitignore.CompileIgnoreLines(defaultIgnoreLines...)}
}

func NewIgnoreList(baseDir string) *IgnoreList {
	return &IgnoreList{baseDir: baseDir}
}

// Load compiles the default rules and those found in the ignore file.
func (l *IgnoreList) Load() {
	ignorePath := filepath.Join(l.baseDir, IgnoreFileName)
	lines := append([]string(nil), defaultIgnoreLines...)

	if utils.FileExists(ignorePath) {
		lines = append(lines, readIgnoreFile(ignorePath)...)
	}

	l.ignore = gitignore.CompileIgnoreLines(lines...)
}

func readIgnoreFile(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		slog.Warn("ignore file open", "path", path, "error", err)
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("ignore file read", "path", path, "error", err)
	}
	slog.Info("ignore file loaded", "path", path, "rules", len(lines))
	return lines
}

// ShouldIgnore matches a root-relative path.
func (l *IgnoreList) ShouldIgnore(rel string) bool {
	if l == nil || l.ignore == nil || rel == "." || rel == "" {
		return false
	}
	return l.ignore.MatchesPath(filepath.ToSlash(rel))
}

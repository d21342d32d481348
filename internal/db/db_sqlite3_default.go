//go:build !sqlite3_cgo

package db

import (
	"net/url"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	driverID   = "ncruces/go-sqlite3"
	driverName = "sqlite3"
)

// fileDSN opens path read-write, creating it, with BEGIN IMMEDIATE transactions.
func fileDSN(path string) string {
	u := url.URL{Scheme: "file", OmitHost: true, Path: path, RawQuery: "_txlock=immediate&mode=rwc"}
	return u.String()
}

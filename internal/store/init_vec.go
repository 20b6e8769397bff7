//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Registers vec0 as an auto-loading extension on every new mattn/go-sqlite3
	// connection. Without this build tag Open still works; vector search just
	// falls back to the in-process scan.
	vec.Auto()
}

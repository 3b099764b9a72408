// Package dummydb is a mutex-guarded in-memory implementation of the
// repositories, used in tests and local hacking. A single lock covers both
// tables so call-record transactions (status change + points movement) stay
// atomic the same way the real backends guarantee.
package dummydb

import (
	"sync"

	"github.com/darasahq/darasa/core/call"
	"github.com/darasahq/darasa/core/user"
)

type DB struct {
	mu    sync.RWMutex
	users map[string]*user.User
	calls map[string]*call.Call
}

func Open() *DB {
	return &DB{
		users: make(map[string]*user.User),
		calls: make(map[string]*call.Call),
	}
}

// Reset drops all data. Tests only.
func (db *DB) Reset() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users = make(map[string]*user.User)
	db.calls = make(map[string]*call.Call)
}

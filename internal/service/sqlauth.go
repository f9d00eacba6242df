package service

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// sqliteRecursive is SQLITE_RECURSIVE, which go-sqlite3 does not export.
const sqliteRecursive = 33

// authorizer is the SQLite authorizer of one connection. SQLite calls it
// while preparing a statement, once for every table and column the
// statement uses. Outside a guarded call it admits everything.
type authorizer struct {
	mu      sync.Mutex
	guard   TableGuard
	refused error
}

func (a *authorizer) install(guard TableGuard) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.guard = guard
	a.refused = nil
}

// release removes the guard and returns its first refusal, if any.
func (a *authorizer) release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.refused
	a.guard = nil
	a.refused = nil
	return err
}

func (a *authorizer) authorize(op int, arg1, arg2, _ string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.guard == nil {
		return sqlite3.SQLITE_OK
	}
	if a.refused != nil {
		return sqlite3.SQLITE_DENY
	}
	table, access, ok := classifyAction(op, arg1, arg2)
	if !ok {
		a.refused = fmt.Errorf("%w: statement type not permitted", ErrInvalidArgs)
		return sqlite3.SQLITE_DENY
	}
	if table == "" {
		return sqlite3.SQLITE_OK
	}
	if err := a.guard(strings.ToLower(table), access); err != nil {
		a.refused = err
		return sqlite3.SQLITE_DENY
	}
	return sqlite3.SQLITE_OK
}

// classifyAction maps an authorizer action to the table it uses. An empty
// table means the action needs no table grant; ok is false for actions
// plugins may never perform.
func classifyAction(op int, arg1, arg2 string) (table string, access Access, ok bool) {
	switch op {
	case sqlite3.SQLITE_READ:
		return arg1, AccessRead, true
	case sqlite3.SQLITE_INSERT, sqlite3.SQLITE_UPDATE, sqlite3.SQLITE_DELETE:
		// Schema bookkeeping done by DDL. SQLite refuses direct writes to
		// these tables itself.
		if schemaTable(arg1) {
			return "", AccessWrite, true
		}
		return arg1, AccessWrite, true
	case sqlite3.SQLITE_CREATE_TABLE, sqlite3.SQLITE_CREATE_TEMP_TABLE,
		sqlite3.SQLITE_DROP_TABLE, sqlite3.SQLITE_DROP_TEMP_TABLE:
		return arg1, AccessWrite, true
	case sqlite3.SQLITE_CREATE_INDEX, sqlite3.SQLITE_CREATE_TEMP_INDEX,
		sqlite3.SQLITE_DROP_INDEX, sqlite3.SQLITE_DROP_TEMP_INDEX,
		sqlite3.SQLITE_ALTER_TABLE:
		return arg2, AccessWrite, true
	case sqlite3.SQLITE_SELECT, sqliteRecursive:
		return "", AccessRead, true
	case sqlite3.SQLITE_FUNCTION:
		return "", AccessRead, !strings.EqualFold(arg2, "load_extension")
	}
	return "", AccessRead, false
}

func schemaTable(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite_master", "sqlite_schema", "sqlite_temp_master", "sqlite_temp_schema", "sqlite_sequence":
		return true
	}
	return false
}

package service

import (
	"context"
	"fmt"
	"sync"
	"time"
	"weak"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/dshills/warden/internal/permission"
)

// Access is the use a statement makes of a table.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

// TableGuard decides whether the running statement may use table. Engines
// that can see what a prepared statement touches call it for every table.
type TableGuard func(table string, access Access) error

// Engine is the analytical query engine as seen by plugins.
type Engine interface {
	Query(ctx context.Context, guard TableGuard, query string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, guard TableGuard, query string, args ...any) (int64, error)
}

// SQLEngine is an Engine over a database/sql driver. With go-sqlite3 every
// statement is checked by the connection's authorizer against the guard.
// Other drivers rely on the data service's lexical table check alone.
type SQLEngine struct {
	db      *sqlx.DB
	maxRows int

	mu    sync.Mutex
	auths map[weak.Pointer[sqlite3.SQLiteConn]]*authorizer
}

// DefaultMaxRows caps the rows a single query returns to a plugin.
const DefaultMaxRows = 10000

// NewSQLEngine wraps an open database.
func NewSQLEngine(db *sqlx.DB) *SQLEngine {
	return &SQLEngine{
		db:      db,
		maxRows: DefaultMaxRows,
		auths:   make(map[weak.Pointer[sqlite3.SQLiteConn]]*authorizer),
	}
}

// OpenSQLEngine opens a database with the named driver.
func OpenSQLEngine(ctx context.Context, driver, dsn string) (*SQLEngine, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	return NewSQLEngine(db), nil
}

// DB returns the underlying database.
func (e *SQLEngine) DB() *sqlx.DB {
	return e.db
}

// Close closes the database.
func (e *SQLEngine) Close() error {
	return e.db.Close()
}

// Query implements Engine.
func (e *SQLEngine) Query(ctx context.Context, guard TableGuard, query string, args ...any) ([]map[string]any, error) {
	var out []map[string]any
	err := e.guarded(ctx, guard, func(conn *sqlx.Conn) error {
		rows, err := conn.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = []map[string]any{}
		for rows.Next() {
			if len(out) >= e.maxRows {
				return fmt.Errorf("query returned more than %d rows", e.maxRows)
			}
			row := make(map[string]any)
			if err := rows.MapScan(row); err != nil {
				return err
			}
			for k, v := range row {
				row[k] = plainValue(v)
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Exec implements Engine.
func (e *SQLEngine) Exec(ctx context.Context, guard TableGuard, query string, args ...any) (int64, error) {
	var n int64
	err := e.guarded(ctx, guard, func(conn *sqlx.Conn) error {
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// guarded runs fn on a dedicated connection with guard installed in the
// connection's authorizer. A refusal by the guard is returned in place of
// the driver's "not authorized" error.
func (e *SQLEngine) guarded(ctx context.Context, guard TableGuard, fn func(*sqlx.Conn) error) error {
	conn, err := e.db.Connx(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	auth, err := e.authorizerFor(conn)
	if err != nil {
		return err
	}
	if auth == nil || guard == nil {
		return fn(conn)
	}
	auth.install(guard)
	err = fn(conn)
	if refused := auth.release(); refused != nil {
		return refused
	}
	return err
}

// authorizerFor returns the authorizer of a go-sqlite3 connection,
// registering it the first time the connection is seen. It returns nil
// for other drivers.
func (e *SQLEngine) authorizerFor(conn *sqlx.Conn) (*authorizer, error) {
	var auth *authorizer
	err := conn.Raw(func(dc any) error {
		sc, ok := dc.(*sqlite3.SQLiteConn)
		if !ok {
			return nil
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		key := weak.Make(sc)
		if a, ok := e.auths[key]; ok {
			auth = a
			return nil
		}
		for k := range e.auths {
			if k.Value() == nil {
				delete(e.auths, k)
			}
		}
		auth = &authorizer{}
		sc.RegisterAuthorizer(auth.authorize)
		e.auths[key] = auth
		return nil
	})
	return auth, err
}

// plainValue converts driver values to types plugins can receive.
func plainValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case int64:
		return float64(t)
	default:
		return v
	}
}

// Data exposes the analytical engine.
//
//	query(sql, params)  data.read, scoped by table, SELECT only
//	exec(sql, params)   data.write, scoped by table
type Data struct {
	engine Engine
}

// NewData creates the data service.
func NewData(engine Engine) *Data {
	return &Data{engine: engine}
}

// Name implements Service.
func (d *Data) Name() string { return "data" }

// Methods implements Service.
func (d *Data) Methods() map[string]Method {
	return map[string]Method{
		"query": {
			Params:  []string{"sql", "params"},
			Kind:    permission.DataRead,
			Targets: sqlTargets(queryTables),
			Call: func(ctx context.Context, c Caller, args Args) (any, error) {
				sql, params, err := sqlArgs(args)
				if err != nil {
					return nil, err
				}
				rows, err := d.engine.Query(ctx, readGuard(c), sql, params...)
				if err != nil {
					return nil, err
				}
				out := make([]any, len(rows))
				for i, r := range rows {
					out[i] = r
				}
				return out, nil
			},
		},
		"exec": {
			Params:  []string{"sql", "params"},
			Kind:    permission.DataWrite,
			Targets: sqlTargets(execTables),
			Call: func(ctx context.Context, c Caller, args Args) (any, error) {
				sql, params, err := sqlArgs(args)
				if err != nil {
					return nil, err
				}
				n, err := d.engine.Exec(ctx, writeGuard(c), sql, params...)
				if err != nil {
					return nil, err
				}
				return map[string]any{"rowsAffected": float64(n)}, nil
			},
		},
	}
}

// readGuard admits reads of tables within the caller's data.read scope.
func readGuard(c Caller) TableGuard {
	return func(table string, access Access) error {
		if access != AccessRead {
			return fmt.Errorf("%w: query may not modify %s", ErrInvalidArgs, table)
		}
		return c.Grants.Check(permission.DataRead, table)
	}
}

// writeGuard admits writes within the caller's data.write scope. A table
// the caller may write may also be read by the same statement.
func writeGuard(c Caller) TableGuard {
	return func(table string, access Access) error {
		if access == AccessRead && c.Grants.Allows(permission.DataRead, table) {
			return nil
		}
		return c.Grants.Check(permission.DataWrite, table)
	}
}

func sqlTargets(extract func(string) ([]string, error)) func(Args) ([]string, error) {
	return func(args Args) ([]string, error) {
		sql, err := stringArg(args, "sql")
		if err != nil {
			return nil, err
		}
		return extract(sql)
	}
}

func sqlArgs(args Args) (string, []any, error) {
	sql, err := stringArg(args, "sql")
	if err != nil {
		return "", nil, err
	}
	params, err := listArg(args, "params")
	if err != nil {
		return "", nil, err
	}
	return sql, params, nil
}

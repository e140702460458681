package repos

import (
	"context"
	"fmt"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"sync"
)

type Repo struct {
	db *pgxpool.Pool

	// Guards the bulk COPY channel: one import session at a time.
	importMu sync.Mutex
}

var ErrNotFound = pgx.ErrNoRows

// StoreError wraps a database-level failure with the operation that hit it.
// Callers match the cause with errors.Is/As through Unwrap.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "repos: " + e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

func Connect(databaseURL string) (*Repo, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	config.ConnConfig.Tracer = &tracer{}
	config.AfterConnect = registerHstore

	db, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}

	return &Repo{db: db}, nil
}

// registerHstore wires the binary hstore codec into a fresh connection. The
// hstore extension has no fixed OID, it gets one when the extension is
// created, so the OID has to be looked up per database.
func registerHstore(ctx context.Context, conn *pgx.Conn) error {
	var oid uint32
	err := conn.QueryRow(ctx, `SELECT oid FROM pg_type WHERE typname = 'hstore'`).Scan(&oid)
	if err != nil {
		return fmt.Errorf("look up hstore oid (is the extension installed?): %w", err)
	}
	conn.TypeMap().RegisterType(&pgtype.Type{Codec: pgtype.HstoreCodec{}, Name: "hstore", OID: oid})
	return nil
}

func (r *Repo) Pool() *pgxpool.Pool {
	return r.db
}

func (r *Repo) Close() {
	r.db.Close()
}

// Package storage holds the authoritative protocol state in badger. Every
// mutating protocol operation runs inside exactly one read-write transaction,
// and writers are serialized so operations apply one at a time.
package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"
)

// DB wraps a badger database with a single-writer discipline.
type DB struct {
	db  *badger.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// Open opens the state database in dir. An empty dir opens an in-memory store.
func Open(dir string, log zerolog.Logger) (*DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	log = log.With().Str("component", "storage").Logger()
	opts = opts.WithLogger(&badgerLogger{log: log})

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &DB{db: bdb, log: log}, nil
}

// OpenInMemory is shorthand for an in-memory store, used by tests and tooling.
func OpenInMemory() (*DB, error) {
	return Open("", zerolog.Nop())
}

// Update runs fn as one all-or-nothing transaction. If fn returns an error
// nothing it wrote is committed.
func (d *DB) Update(fn func(*badger.Txn) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		// writers are serialized, so a conflict means a reader raced a compaction
		d.log.Warn().Err(err).Msg("transaction conflict, retrying once")
		err = d.db.Update(fn)
	}
	return err
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(*badger.Txn) error) error {
	return d.db.View(fn)
}

func (d *DB) Close() error {
	return d.db.Close()
}

type badgerLogger struct {
	log zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}

// Package sapling is the top-level facade wiring the storage engine
// (page allocation, meta/version management, free-list, B+ tree,
// transactions, checkpoint) and the runner (atomic context stack,
// attempt engine, mailbox, worker shell) behind one Open call, the
// way a caller is expected to use this module end to end.
package sapling

import (
	"context"
	"io"

	"github.com/lambkin-lang/sapling/checkpoint"
	"github.com/lambkin-lang/sapling/kv"
	"github.com/lambkin-lang/sapling/mailbox"
	"github.com/lambkin-lang/sapling/pagestore"
	"github.com/lambkin-lang/sapling/runner"
	"github.com/lambkin-lang/sapling/worker"
)

// Options configures Open. A zero-value Options picks an in-memory
// DefaultStore and a 4096-byte page size.
type Options struct {
	PageSize  int
	Allocator pagestore.Allocator
	Runner    runner.Config
}

const defaultPageSize = 4096

// DB is an opened Sapling instance: the storage engine (kv.DB), its
// attempt engine, plus (once EnableMailbox is called) the mailbox
// DBIs and any workers built against it.
type DB struct {
	KV     *kv.DB
	Engine *runner.Engine
	alloc  pagestore.Allocator

	Mailbox *mailbox.Mailbox
}

// Open creates or resumes a Sapling DB with the given options.
func Open(opts Options) (*DB, error) {
	if opts.PageSize == 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Allocator == nil {
		opts.Allocator = pagestore.NewDefaultStore(opts.PageSize)
	}
	kvdb, err := kv.Open(opts.Allocator, opts.PageSize)
	if err != nil {
		return nil, err
	}
	return &DB{
		KV:     kvdb,
		Engine: runner.New(kvdb, opts.Runner),
		alloc:  opts.Allocator,
	}, nil
}

// EnableMailbox registers (or recovers) the fixed mailbox DBIs on
// this DB, required before NewWorker.
func (db *DB) EnableMailbox() error {
	mb, err := mailbox.Open(db.KV)
	if err != nil {
		return err
	}
	db.Mailbox = mb
	return nil
}

// NewWorker builds a worker bound to this DB's mailbox and attempt
// engine. EnableMailbox must have been called first.
func (db *DB) NewWorker(id uint64, policy worker.Policy, handler worker.Handler, cfg worker.Config) *worker.Worker {
	return worker.New(id, db.Mailbox, db.Engine, policy, handler, cfg)
}

// Allocator exposes the backing pagestore.Allocator this DB was
// opened with.
func (db *DB) Allocator() pagestore.Allocator { return db.alloc }

// Checkpoint streams a consistent snapshot of the DB to w.
func (db *DB) Checkpoint(w io.Writer) error {
	return checkpoint.Write(db.KV, w)
}

// Restore rebuilds a DB from a stream previously produced by
// Checkpoint, reusing opts for its allocator/page size/runner config.
func Restore(opts Options, r io.Reader) (*DB, error) {
	if opts.PageSize == 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Allocator == nil {
		opts.Allocator = pagestore.NewDefaultStore(opts.PageSize)
	}
	kvdb, err := checkpoint.Restore(opts.Allocator, opts.PageSize, r)
	if err != nil {
		return nil, err
	}
	return &DB{
		KV:     kvdb,
		Engine: runner.New(kvdb, opts.Runner),
		alloc:  opts.Allocator,
	}, nil
}

// Run drives handler through the attempt engine, draining any
// resulting intents through sink (typically db.Mailbox.Dispatch once
// EnableMailbox has been called).
func (db *DB) Run(ctx context.Context, handler runner.Handler, sink runner.Sink) (runner.Stats, error) {
	return db.Engine.Run(ctx, handler, sink)
}

// Package mailbox implements Sapling's mailbox state machine: a
// fixed set of DBIs and wire-format records layered on package kv,
// plus the claim/ack/requeue/dead-letter/timer/dedupe operations a
// durable at-least-once dispatch core needs. Operations stage their
// work against package runner's Stack/Engine, following the same
// capability-record, explicit-status idiom the rest of this codebase
// uses.
package mailbox

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/lambkin-lang/sapling/btree"
	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kv"
)

// Fixed DBI slot assignments: integer constants forming the on-disk
// contract. Open binds each name to its fixed slot, so a reopened or
// restored DB always finds its mailbox data where it was written.
// Reserved numbering from retired subsystems never collides with
// these (they occupy slots 0-6; nothing else claims that range).
const (
	DBIAppState = 0
	DBIInbox = 1
	DBIOutbox = 2
	DBILeases = 3
	DBITimers = 4
	DBIDedupe = 5
	DBIDeadLetter = 6
)

const (
	NameAppState = "APP_STATE"
	NameInbox = "INBOX"
	NameOutbox = "OUTBOX"
	NameLeases = "LEASES"
	NameTimers = "TIMERS"
	NameDedupe = "DEDUPE"
	NameDeadLetter = "DEAD_LETTER"
)

var dbiSlots = []struct {
	slot int
	name string
}{
	{DBIAppState, NameAppState},
	{DBIInbox, NameInbox},
	{DBIOutbox, NameOutbox},
	{DBILeases, NameLeases},
	{DBITimers, NameTimers},
	{DBIDedupe, NameDedupe},
	{DBIDeadLetter, NameDeadLetter},
}

// SchemaVersion is the current schema-version record written to
// APP_STATE at first Open.
const SchemaVersion uint16 = 1

// schemaVersionKey is the well-known APP_STATE key holding the
// 2-byte little-endian schema version.
var schemaVersionKey = []byte("schema_version")

// Mailbox binds Sapling's mailbox DBI layout to one kv.DB and tracks
// the process-local sequence counters OUTBOX/TIMERS publishing uses.
//
// Those sequence counters are kept in memory rather than durably
// persisted per append: OUTBOX/TIMERS keys only need to be
// monotonically increasing under one publisher, and a DB is never
// shared across processes. The counters are primed from the DBI's
// last existing key at Open so a reopened DB still allocates
// forward.
type Mailbox struct {
	db *kv.DB

	appState, inbox, outbox, leases, timers, dedupe, deadLetter int

	seqMu sync.Mutex
	outboxSeq uint64
	timerSeq uint64

	// genSeq is a process-wide, time-seeded counter used as the
	// destination sequence for requeue's new_seq (package worker's
	// Requeue call) and for replay_dead_letter's replay_seq. Seeding from
	// wall-clock nanoseconds rather than scanning every worker's
	// existing keys at Open trades perfect collision-freedom on
	// clock skew for an O(1) bootstrap; Sapling's Non-goals already
	// exclude multi-process coordination, so a single process's
	// monotonically increasing clock reading is sufficient here.
	genSeq uint64
}

// Open binds (or recovers) the fixed mailbox DBI slots on db and
// validates/bootstraps the schema-version record.
func Open(db *kv.DB) (*Mailbox, error) {
	mb := &Mailbox{db: db}
	for _, s := range dbiSlots {
		if err := db.OpenDBIAt(s.slot, s.name, false); err != nil {
			return nil, fmt.Errorf("mailbox: bind DBI %s to slot %d: %w", s.name, s.slot, err)
		}
	}
	mb.appState = DBIAppState
	mb.inbox = DBIInbox
	mb.outbox = DBIOutbox
	mb.leases = DBILeases
	mb.timers = DBITimers
	mb.dedupe = DBIDedupe
	mb.deadLetter = DBIDeadLetter

	if err := mb.bootstrapSchemaVersion(); err != nil {
		return nil, err
	}
	if err := mb.primeSequences(); err != nil {
		return nil, err
	}
	mb.genSeq = uint64(time.Now().UnixNano())
	return mb, nil
}

func (mb *Mailbox) bootstrapSchemaVersion() error {
	tx := mb.db.BeginWrite()
	buf, err := tx.Get(mb.appState, schemaVersionKey)
	switch errs.StatusOf(err) {
	case errs.OK:
		tx.Abort()
		if len(buf) != 2 {
			return fmt.Errorf("mailbox: bad schema_version record: %w", errs.ErrCorrupt)
		}
		if got := binary.LittleEndian.Uint16(buf); got != SchemaVersion {
			return fmt.Errorf("mailbox: schema version %d does not match supported %d: %w", got, SchemaVersion, errs.ErrVersion)
		}
		return nil
	case errs.NotFound:
		v := make([]byte, 2)
		binary.LittleEndian.PutUint16(v, SchemaVersion)
		if err := tx.Put(mb.appState, schemaVersionKey, v, 0); err != nil {
			tx.Abort()
			return err
		}
		return tx.Commit()
	default:
		tx.Abort()
		return err
	}
}

func (mb *Mailbox) primeSequences() error {
	tx := mb.db.BeginRead()
	defer tx.Abort()

	if ok, _, seq, err := lastKeySeq(tx.Cursor(mb.outbox)); err != nil {
		return err
	} else if ok {
		mb.outboxSeq = seq + 1
	}
	if ok, _, seq, err := lastTimerSeq(tx.Cursor(mb.timers)); err != nil {
		return err
	} else if ok {
		mb.timerSeq = seq + 1
	}
	return nil
}

// lastKeySeq reads the final 8 bytes of a cursor's last key as a
// big-endian sequence (OUTBOX's key shape).
func lastKeySeq(cur *btree.Cursor) (ok bool, key []byte, seq uint64, err error) {
	has, err := cur.Last()
	if err != nil || !has {
		return false, nil, 0, err
	}
	k, _, err := cur.Entry()
	if err != nil {
		return false, nil, 0, err
	}
	if len(k) != 8 {
		return false, nil, 0, fmt.Errorf("mailbox: bad outbox key length %d: %w", len(k), errs.ErrCorrupt)
	}
	return true, k, binary.BigEndian.Uint64(k), nil
}

func lastTimerSeq(cur *btree.Cursor) (ok bool, key []byte, seq uint64, err error) {
	has, err := cur.Last()
	if err != nil || !has {
		return false, nil, 0, err
	}
	k, _, err := cur.Entry()
	if err != nil {
		return false, nil, 0, err
	}
	_, s, err := DecodeTimerKey(k)
	if err != nil {
		return false, nil, 0, err
	}
	return true, k, s, nil
}

// DBI index accessors, for callers composing their own Stack-based
// handlers.
func (mb *Mailbox) AppStateDBI() int { return mb.appState }
func (mb *Mailbox) InboxDBI() int { return mb.inbox }
func (mb *Mailbox) OutboxDBI() int { return mb.outbox }
func (mb *Mailbox) LeasesDBI() int { return mb.leases }
func (mb *Mailbox) TimersDBI() int { return mb.timers }
func (mb *Mailbox) DedupeDBI() int { return mb.dedupe }
func (mb *Mailbox) DeadLetterDBI() int { return mb.deadLetter }

// ReadTxn opens a read-only snapshot against the bound DB, for
// callers (such as package worker's prefix scans) that need a plain
// kv.Txn rather than a staged runner.Stack.
func (mb *Mailbox) ReadTxn() *kv.Txn { return mb.db.BeginRead() }

// NextTimerDue reports the time until the earliest TIMERS entry is
// due, relative to nowMillis; ok is false if TIMERS is empty.
func (mb *Mailbox) NextTimerDue(nowMillis int64) (d time.Duration, ok bool) {
	rtx := mb.db.BeginRead()
	defer rtx.Abort()
	cur := rtx.Cursor(mb.timers)
	has, err := cur.First()
	if err != nil || !has {
		return 0, false
	}
	k, _, err := cur.Entry()
	if err != nil {
		return 0, false
	}
	due, _, err := DecodeTimerKey(k)
	if err != nil {
		return 0, false
	}
	delta := due - nowMillis
	if delta < 0 {
		delta = 0
	}
	return time.Duration(delta) * time.Millisecond, true
}

func (mb *Mailbox) nextOutboxSeq() uint64 {
	mb.seqMu.Lock()
	defer mb.seqMu.Unlock()
	seq := mb.outboxSeq
	mb.outboxSeq++
	return seq
}

func (mb *Mailbox) nextTimerSeq() uint64 {
	mb.seqMu.Lock()
	defer mb.seqMu.Unlock()
	seq := mb.timerSeq
	mb.timerSeq++
	return seq
}

// NextGenSeq hands out the next value from the shared requeue/replay
// sequence generator (see the Mailbox.genSeq field comment).
func (mb *Mailbox) NextGenSeq() uint64 {
	mb.seqMu.Lock()
	defer mb.seqMu.Unlock()
	seq := mb.genSeq
	mb.genSeq++
	return seq
}

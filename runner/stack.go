// Package runner implements Sapling's atomic context stack and
// attempt engine: nested staged reads/writes/intents over a storage
// snapshot, collapsed to a root commit and retried under contention.
// The nested-frame and retry-loop code follows the same
// stage-then-commit shape as a transaction staging its writes before
// a single flush, generalized to an arbitrary frame depth and
// written in the surrounding capability-record style (exported
// function values, explicit status errors from errs).
package runner

import (
	"strconv"

	"github.com/lambkin-lang/sapling/errs"
)

// WriteKind distinguishes a staged put from a staged delete.
type WriteKind int

const (
	WritePut WriteKind = iota
	WriteDel
)

// ReadEntry is one staged observation: the value seen for (dbi, key)
// the first time this stack consulted it, or Absent if not-found.
type ReadEntry struct {
	DBI int
	Key []byte
	Value []byte
	Absent bool
}

// WriteEntry is one staged mutation.
type WriteEntry struct {
	DBI int
	Key []byte
	Kind WriteKind
	Value []byte
}

// IntentKind distinguishes the two dispatch intents a handler may
// produce.
type IntentKind int

const (
	IntentOutboxEmit IntentKind = iota
	IntentTimerArm
)

// Intent is a staged side effect, published only after a successful
// root commit.
type Intent struct {
	Kind IntentKind
	Flags uint32
	DueTimestamp int64
	HasDue bool
	Message []byte
}

// Snapshot is the read-only view a Stack falls through to once no
// frame has a matching write or cached read. *kv.Txn (opened
// read-only) satisfies this.
type Snapshot interface {
	Get(dbi int, key []byte) ([]byte, error)
}

type frame struct {
	reads []ReadEntry
	writes []WriteEntry
	intents []Intent
}

// Stack is the nested atomic context a handler stages reads, writes,
// and intents against. A fresh Stack starts with one frame after
// Reset.
type Stack struct {
	frames []frame
	snapshot Snapshot
}

// Reset clears every frame, binds a new read snapshot, and pushes a
// single root frame, step 1 of the attempt engine's loop.
func (s *Stack) Reset(snapshot Snapshot) {
	s.frames = s.frames[:0]
	s.snapshot = snapshot
	s.frames = append(s.frames, frame{})
}

// Depth reports how many frames are currently on the stack.
func (s *Stack) Depth() int { return len(s.frames) }

// PushFrame appends an empty child frame.
func (s *Stack) PushFrame() { s.frames = append(s.frames, frame{}) }

// CommitTop folds the top frame into its parent: child writes
// override parent writes on the same (dbi, key), and child reads and
// intents are appended. Requires depth >= 2.
func (s *Stack) CommitTop() error {
	if len(s.frames) < 2 {
		return errs.ErrBusy
	}
	idx := len(s.frames) - 1
	child := s.frames[idx]
	parent := &s.frames[idx-1]

	parent.reads = append(parent.reads, child.reads...)

	if len(child.writes) > 0 {
		shadowed := make(map[string]bool, len(child.writes))
		for _, cw := range child.writes {
			shadowed[writeKey(cw.DBI, cw.Key)] = true
		}
		kept := parent.writes[:0]
		for _, pw := range parent.writes {
			if !shadowed[writeKey(pw.DBI, pw.Key)] {
				kept = append(kept, pw)
			}
		}
		parent.writes = append(kept, child.writes...)
	}

	parent.intents = append(parent.intents, child.intents...)
	s.frames = s.frames[:idx]
	return nil
}

// AbortTop pops and discards the top frame, dropping its reads,
// writes, and intents. Requires depth >= 1.
func (s *Stack) AbortTop() error {
	if len(s.frames) < 1 {
		return errs.ErrBusy
	}
	s.frames = s.frames[:len(s.frames)-1]
	return nil
}

func writeKey(dbi int, key []byte) string {
	return strconv.Itoa(dbi) + "\x00" + string(key)
}

// Get resolves (dbi, key) by scanning frames top to bottom for a
// matching write, then top to bottom for a matching cached read,
// finally falling through to the durable snapshot and caching the
// result into the bottommost frame's read set.
func (s *Stack) Get(dbi int, key []byte) ([]byte, bool, error) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		w := s.frames[i].writes
		for j := len(w) - 1; j >= 0; j-- {
			if w[j].DBI == dbi && string(w[j].Key) == string(key) {
				if w[j].Kind == WriteDel {
					return nil, false, nil
				}
				return w[j].Value, true, nil
			}
		}
	}
	for i := len(s.frames) - 1; i >= 0; i-- {
		r := s.frames[i].reads
		for j := len(r) - 1; j >= 0; j-- {
			if r[j].DBI == dbi && string(r[j].Key) == string(key) {
				if r[j].Absent {
					return nil, false, nil
				}
				return r[j].Value, true, nil
			}
		}
	}
	v, err := s.snapshot.Get(dbi, key)
	if err != nil {
		if errs.StatusOf(err) == errs.NotFound {
			s.frames[0].reads = append(s.frames[0].reads, ReadEntry{DBI: dbi, Key: append([]byte(nil), key...), Absent: true})
			return nil, false, nil
		}
		return nil, false, err
	}
	s.frames[0].reads = append(s.frames[0].reads, ReadEntry{DBI: dbi, Key: append([]byte(nil), key...), Value: append([]byte(nil), v...)})
	return v, true, nil
}

// Put stages a put against the top frame.
func (s *Stack) Put(dbi int, key, value []byte) {
	top := &s.frames[len(s.frames)-1]
	top.writes = append(top.writes, WriteEntry{DBI: dbi, Key: append([]byte(nil), key...), Kind: WritePut, Value: append([]byte(nil), value...)})
}

// Del stages a delete against the top frame.
func (s *Stack) Del(dbi int, key []byte) {
	top := &s.frames[len(s.frames)-1]
	top.writes = append(top.writes, WriteEntry{DBI: dbi, Key: append([]byte(nil), key...), Kind: WriteDel})
}

// EmitOutbox stages an outbox-emit intent against the top frame.
func (s *Stack) EmitOutbox(flags uint32, message []byte) {
	top := &s.frames[len(s.frames)-1]
	top.intents = append(top.intents, Intent{Kind: IntentOutboxEmit, Flags: flags, Message: append([]byte(nil), message...)})
}

// ArmTimer stages a timer-arm intent against the top frame.
func (s *Stack) ArmTimer(flags uint32, due int64, message []byte) {
	top := &s.frames[len(s.frames)-1]
	top.intents = append(top.intents, Intent{Kind: IntentTimerArm, Flags: flags, DueTimestamp: due, HasDue: true, Message: append([]byte(nil), message...)})
}

// RootReads, RootWrites, and RootIntents expose frame 0's staged
// sets for the attempt engine's root-commit step.
func (s *Stack) RootReads() []ReadEntry { return s.frames[0].reads }
func (s *Stack) RootWrites() []WriteEntry { return s.frames[0].writes }
func (s *Stack) RootIntents() []Intent { return s.frames[0].intents }

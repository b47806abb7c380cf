// Package errs defines Sapling's stable status-code contract and the
// sentinel errors that carry it through the engine. The B+ tree layer
// never retries internally; it returns one of these and leaves the
// decision to the transaction manager / attempt engine.
package errs

import "errors"

// Status is the stable numeric contract returned at the top of the
// engine. It is never persisted to disk; it is part of the public API
// only.
type Status int

const (
	OK       Status = 0
	NotFound Status = 1
	Error    Status = 2
	Full     Status = 3
	ReadOnly Status = 4
	Busy     Status = 5
	Exists   Status = 6
	Conflict Status = 7
	Corrupt  Status = 8
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case NotFound:
		return "not-found"
	case Error:
		return "error"
	case Full:
		return "full"
	case ReadOnly:
		return "read-only"
	case Busy:
		return "busy"
	case Exists:
		return "exists"
	case Conflict:
		return "conflict"
	case Corrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound = errors.New("not-found")
	ErrDB       = errors.New("error")
	ErrFull     = errors.New("full")
	ErrReadOnly = errors.New("read-only")
	ErrBusy     = errors.New("busy")
	ErrExists   = errors.New("exists")
	ErrConflict = errors.New("conflict")
	ErrCorrupt  = errors.New("corrupt")

	// ErrVersion and ErrTruncated are decode failures of message
	// frames and checkpoint streams, distinct from the storage-engine
	// taxonomy.
	ErrVersion   = errors.New("version")
	ErrTruncated = errors.New("truncated")
)

// StatusOf maps an error produced anywhere in the engine to the
// stable numeric contract, by walking the wrap chain with errors.Is.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrFull):
		return Full
	case errors.Is(err, ErrReadOnly):
		return ReadOnly
	case errors.Is(err, ErrBusy):
		return Busy
	case errors.Is(err, ErrExists):
		return Exists
	case errors.Is(err, ErrConflict):
		return Conflict
	case errors.Is(err, ErrCorrupt):
		return Corrupt
	default:
		return Error
	}
}

// Retryable reports whether the attempt engine should retry an
// attempt that failed with err: busy (writer contention) and conflict
// (CAS mismatch / read-set invalidation) are the only retryable kinds.
func Retryable(err error) bool {
	s := StatusOf(err)
	return s == Busy || s == Conflict
}

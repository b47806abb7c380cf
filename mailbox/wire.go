package mailbox

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kvpage"
)

// Frame envelope versions.
const (
	FrameMajor uint8 = 1
	FrameMinor uint8 = 0
)

// Frame kinds.
const (
	KindEvent uint8 = 1
	KindCommand uint8 = 2
	KindReply uint8 = 3
)

// Frame flag bits.
const (
	FlagDedupe uint8 = 1 << 0
)

// presence bits, recorded in one byte right after the fixed header.
const (
	presenceOrigin uint8 = 1 << 0
	presenceMessageID uint8 = 1 << 1
	presenceTraceID uint8 = 1 << 2
	presencePayload uint8 = 1 << 3
)

// Frame is Sapling's message envelope: kind/flags plus
// routing metadata and three optional variable-length fields.
type Frame struct {
	Kind uint8
	Flags uint8
	TargetWorker uint64
	RoutingWorker uint64
	RoutingTime int64
	HasOrigin bool
	OriginWorker uint64
	MessageID []byte
	TraceID []byte
	Payload []byte
}

// Dedupe reports whether this frame requests the dedupe guard.
func (f *Frame) Dedupe() bool { return f.Flags&FlagDedupe != 0 }

// NewMessageID returns a fresh 16-byte random message identifier
// suitable for Frame.MessageID, used by publishers that want the
// dedupe guard without tracking their own ID scheme.
func NewMessageID() []byte {
	id := uuid.New()
	return id[:]
}

// NewTraceID returns a fresh 16-byte random trace identifier for
// Frame.TraceID, for callers correlating a frame across hops without
// any other natural key.
func NewTraceID() []byte {
	id := uuid.New()
	return id[:]
}

// EncodeFrame serialises f into Sapling's wire format.
func EncodeFrame(f *Frame) []byte {
	presence := uint8(0)
	if f.HasOrigin {
		presence |= presenceOrigin
	}
	if f.MessageID != nil {
		presence |= presenceMessageID
	}
	if f.TraceID != nil {
		presence |= presenceTraceID
	}
	if f.Payload != nil {
		presence |= presencePayload
	}

	size := 2 + 1 + 1 + 8 + 8 + 8 + 1
	if f.HasOrigin {
		size += 8
	}
	if f.MessageID != nil {
		size += 2 + len(f.MessageID)
	}
	if f.TraceID != nil {
		size += 2 + len(f.TraceID)
	}
	if f.Payload != nil {
		size += 4 + len(f.Payload)
	}

	buf := make([]byte, size)
	off := 0
	buf[off] = FrameMajor
	off++
	buf[off] = FrameMinor
	off++
	buf[off] = f.Kind
	off++
	buf[off] = f.Flags
	off++
	binary.BigEndian.PutUint64(buf[off:], f.TargetWorker)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], f.RoutingWorker)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(f.RoutingTime))
	off += 8
	buf[off] = presence
	off++
	if f.HasOrigin {
		binary.BigEndian.PutUint64(buf[off:], f.OriginWorker)
		off += 8
	}
	if f.MessageID != nil {
		binary.BigEndian.PutUint16(buf[off:], uint16(len(f.MessageID)))
		off += 2
		off += copy(buf[off:], f.MessageID)
	}
	if f.TraceID != nil {
		binary.BigEndian.PutUint16(buf[off:], uint16(len(f.TraceID)))
		off += 2
		off += copy(buf[off:], f.TraceID)
	}
	if f.Payload != nil {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(f.Payload)))
		off += 4
		off += copy(buf[off:], f.Payload)
	}
	return buf
}

// DecodeFrame parses a wire frame, failing with errs.ErrVersion on an
// unrecognised minor version and errs.ErrTruncated on any length
// mismatch.
func DecodeFrame(buf []byte) (*Frame, error) {
	const fixedSize = 2 + 1 + 1 + 8 + 8 + 8 + 1
	if len(buf) < fixedSize {
		return nil, fmt.Errorf("mailbox: truncated frame header: %w", errs.ErrTruncated)
	}
	off := 0
	major := buf[off]
	off++
	minor := buf[off]
	off++
	if major != FrameMajor || minor > FrameMinor {
		return nil, fmt.Errorf("mailbox: unsupported frame version %d.%d: %w", major, minor, errs.ErrVersion)
	}
	f := &Frame{Kind: buf[off]}
	off++
	f.Flags = buf[off]
	off++
	f.TargetWorker = binary.BigEndian.Uint64(buf[off:])
	off += 8
	f.RoutingWorker = binary.BigEndian.Uint64(buf[off:])
	off += 8
	f.RoutingTime = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	presence := buf[off]
	off++

	if presence&presenceOrigin != 0 {
		if off+8 > len(buf) {
			return nil, fmt.Errorf("mailbox: truncated origin worker: %w", errs.ErrTruncated)
		}
		f.HasOrigin = true
		f.OriginWorker = binary.BigEndian.Uint64(buf[off:])
		off += 8
	}
	if presence&presenceMessageID != 0 {
		v, next, err := readBytes16(buf, off)
		if err != nil {
			return nil, err
		}
		f.MessageID = v
		off = next
	}
	if presence&presenceTraceID != 0 {
		v, next, err := readBytes16(buf, off)
		if err != nil {
			return nil, err
		}
		f.TraceID = v
		off = next
	}
	if presence&presencePayload != 0 {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("mailbox: truncated payload length: %w", errs.ErrTruncated)
		}
		n := int(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		if off+n > len(buf) {
			return nil, fmt.Errorf("mailbox: truncated payload: %w", errs.ErrTruncated)
		}
		f.Payload = append([]byte(nil), buf[off:off+n]...)
		off += n
	}
	return f, nil
}

func readBytes16(buf []byte, off int) ([]byte, int, error) {
	if off+2 > len(buf) {
		return nil, 0, fmt.Errorf("mailbox: truncated length prefix: %w", errs.ErrTruncated)
	}
	n := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+n > len(buf) {
		return nil, 0, fmt.Errorf("mailbox: truncated field: %w", errs.ErrTruncated)
	}
	out := append([]byte(nil), buf[off:off+n]...)
	return out, off + n, nil
}

// --- keys ---

// InboxKey packs worker/seq into the 16-byte big-endian key shape
// shared by INBOX, LEASES, and DEAD_LETTER, so a prefix scan on a
// worker ID yields that worker's entries in sequence order.
func InboxKey(worker, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], worker)
	binary.BigEndian.PutUint64(key[8:16], seq)
	return key
}

// DecodeInboxKey splits a 16-byte key back into worker/seq.
func DecodeInboxKey(key []byte) (worker, seq uint64, err error) {
	if len(key) != 16 {
		return 0, 0, fmt.Errorf("mailbox: bad inbox key length %d: %w", len(key), errs.ErrCorrupt)
	}
	return binary.BigEndian.Uint64(key[0:8]), binary.BigEndian.Uint64(key[8:16]), nil
}

// InboxPrefix returns the key prefix that scans exactly one worker's
// inbox/lease/dead-letter entries in sequence order.
func InboxPrefix(worker uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, worker)
	return key
}

// TimerKey encodes (dueTs, seq) so a byte-lexicographic scan of
// TIMERS yields chronological order: the signed timestamp's sign bit
// is flipped before the big-endian encode, making negative
// timestamps sort before positive ones.
func TimerKey(dueTs int64, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], uint64(dueTs)^0x8000000000000000)
	binary.BigEndian.PutUint64(key[8:16], seq)
	return key
}

// DecodeTimerKey is TimerKey's inverse.
func DecodeTimerKey(key []byte) (dueTs int64, seq uint64, err error) {
	if len(key) != 16 {
		return 0, 0, fmt.Errorf("mailbox: bad timer key length %d: %w", len(key), errs.ErrCorrupt)
	}
	raw := binary.BigEndian.Uint64(key[0:8]) ^ 0x8000000000000000
	return int64(raw), binary.BigEndian.Uint64(key[8:16]), nil
}

// TimerDuePrefix returns the 8-byte key prefix shared by every timer
// due at cutoff; the TIMERS keys that sort before it are exactly the
// timers due strictly before cutoff.
func TimerDuePrefix(cutoff int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(cutoff)^0x8000000000000000)
	return key
}

// --- lease record ---

var leaseMagic = [4]byte{'L', 'S', 'E', '0'}

// Lease is the decoded 24-byte LEASES value.
type Lease struct {
	Owner uint64
	Deadline int64
	Attempts uint32
}

// EncodeLease serialises a Lease to its fixed 24-byte wire form.
func EncodeLease(l *Lease) []byte {
	buf := make([]byte, 24)
	copy(buf[0:4], leaseMagic[:])
	binary.LittleEndian.PutUint64(buf[4:12], l.Owner)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(l.Deadline))
	binary.LittleEndian.PutUint32(buf[20:24], l.Attempts)
	return buf
}

// DecodeLease validates the magic before decoding.
func DecodeLease(buf []byte) (*Lease, error) {
	if len(buf) != 24 {
		return nil, fmt.Errorf("mailbox: bad lease length %d: %w", len(buf), errs.ErrCorrupt)
	}
	if string(buf[0:4]) != string(leaseMagic[:]) {
		return nil, fmt.Errorf("mailbox: bad lease magic: %w", errs.ErrCorrupt)
	}
	return &Lease{
		Owner: binary.LittleEndian.Uint64(buf[4:12]),
		Deadline: int64(binary.LittleEndian.Uint64(buf[12:20])),
		Attempts: binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// --- dead-letter record ---

var deadLetterMagic = [4]byte{'D', 'L', 'Q', '0'}

// DeadLetterRecord is the decoded DEAD_LETTER value: a fixed header
// plus the original message frame bytes.
type DeadLetterRecord struct {
	FailureCode int32
	Attempts uint32
	Frame []byte
}

// EncodeDeadLetter serialises a DeadLetterRecord.
func EncodeDeadLetter(r *DeadLetterRecord) []byte {
	buf := make([]byte, 16+len(r.Frame))
	copy(buf[0:4], deadLetterMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.FailureCode))
	binary.LittleEndian.PutUint32(buf[8:12], r.Attempts)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(r.Frame)))
	copy(buf[16:], r.Frame)
	return buf
}

// DecodeDeadLetter validates the magic and frame length before
// decoding.
func DecodeDeadLetter(buf []byte) (*DeadLetterRecord, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("mailbox: truncated dead-letter record: %w", errs.ErrTruncated)
	}
	if string(buf[0:4]) != string(deadLetterMagic[:]) {
		return nil, fmt.Errorf("mailbox: bad dead-letter magic: %w", errs.ErrCorrupt)
	}
	r := &DeadLetterRecord{
		FailureCode: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Attempts: binary.LittleEndian.Uint32(buf[8:12]),
	}
	n := int(binary.LittleEndian.Uint32(buf[12:16]))
	if 16+n != len(buf) {
		return nil, fmt.Errorf("mailbox: dead-letter frame length mismatch: %w", errs.ErrTruncated)
	}
	r.Frame = append([]byte(nil), buf[16:]...)
	return r, nil
}

// --- dedupe record ---

// DedupeRecord is the decoded DEDUPE value: a small fixed record
// tracking whether a message ID has already been accepted.
type DedupeRecord struct {
	Accepted bool
	LastSeen int64
	Checksum uint64
}

// EncodeDedupe serialises a DedupeRecord, writing r.Checksum as given.
// NewDedupeRecord fills that slot with Sapling's shared xxhash64
// (kvpage.Checksum64) over the accepted flag plus lastSeen, which is
// what DecodeDedupe verifies.
func EncodeDedupe(r *DedupeRecord) []byte {
	buf := make([]byte, 17)
	if r.Accepted {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:9], uint64(r.LastSeen))
	binary.BigEndian.PutUint64(buf[9:17], r.Checksum)
	return buf
}

// DecodeDedupe reads a DedupeRecord and verifies its checksum.
func DecodeDedupe(buf []byte) (*DedupeRecord, error) {
	if len(buf) != 17 {
		return nil, fmt.Errorf("mailbox: bad dedupe record length %d: %w", len(buf), errs.ErrCorrupt)
	}
	r := &DedupeRecord{
		Accepted: buf[0] != 0,
		LastSeen: int64(binary.BigEndian.Uint64(buf[1:9])),
	}
	r.Checksum = binary.BigEndian.Uint64(buf[9:17])
	want := kvpage.Checksum64(buf[0:9])
	if r.Checksum != want {
		return nil, fmt.Errorf("mailbox: dedupe checksum mismatch: %w", errs.ErrCorrupt)
	}
	return r, nil
}

// NewDedupeRecord builds an accepted dedupe record stamped at
// lastSeen, with its checksum slot filled in.
func NewDedupeRecord(lastSeen int64) *DedupeRecord {
	r := &DedupeRecord{Accepted: true, LastSeen: lastSeen}
	header := make([]byte, 9)
	header[0] = 1
	binary.BigEndian.PutUint64(header[1:9], uint64(lastSeen))
	r.Checksum = kvpage.Checksum64(header)
	return r
}

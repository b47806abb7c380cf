package mailbox_test

import (
	"bytes"
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kv"
	"github.com/lambkin-lang/sapling/mailbox"
	"github.com/lambkin-lang/sapling/pagestore"
	"github.com/lambkin-lang/sapling/runner"
)

func TestFrameRoundTrip(t *testing.T) {
	f := &mailbox.Frame{
		Kind: mailbox.KindCommand,
		Flags: mailbox.FlagDedupe,
		TargetWorker: 7,
		RoutingWorker: 9,
		RoutingTime: 1234567,
		HasOrigin: true,
		OriginWorker: 3,
		MessageID: mailbox.NewMessageID(),
		TraceID: mailbox.NewTraceID(),
		Payload: []byte("payload-bytes"),
	}
	got, err := mailbox.DecodeFrame(mailbox.EncodeFrame(f))
	require.NoError(t, err)
	assert.Equal(t, f, got)
	assert.True(t, got.Dedupe())
	assert.Len(t, got.MessageID, 16)
}

func TestFrameMinimalRoundTrip(t *testing.T) {
	f := &mailbox.Frame{Kind: mailbox.KindEvent, TargetWorker: 1}
	got, err := mailbox.DecodeFrame(mailbox.EncodeFrame(f))
	require.NoError(t, err)
	assert.Equal(t, f, got)
	assert.False(t, got.Dedupe())
}

func TestFrameDecodeRejectsUnknownVersion(t *testing.T) {
	buf := mailbox.EncodeFrame(&mailbox.Frame{Kind: mailbox.KindEvent})
	buf[1] = mailbox.FrameMinor + 1
	_, err := mailbox.DecodeFrame(buf)
	assert.ErrorIs(t, err, errs.ErrVersion)

	buf[0], buf[1] = mailbox.FrameMajor+1, mailbox.FrameMinor
	_, err = mailbox.DecodeFrame(buf)
	assert.ErrorIs(t, err, errs.ErrVersion)
}

func TestFrameDecodeRejectsTruncation(t *testing.T) {
	full := mailbox.EncodeFrame(&mailbox.Frame{
		Kind: mailbox.KindEvent,
		MessageID: []byte("0123456789abcdef"),
		Payload: []byte("payload"),
	})
	// Any prefix shorter than the full frame must fail as truncated.
	for cut := 1; cut < len(full); cut++ {
		_, err := mailbox.DecodeFrame(full[:cut])
		assert.ErrorIs(t, err, errs.ErrTruncated, "cut=%d", cut)
	}
}

func TestLeaseDecodeGuards(t *testing.T) {
	l := &mailbox.Lease{Owner: 8, Deadline: 900, Attempts: 3}
	buf := mailbox.EncodeLease(l)
	require.Len(t, buf, 24)

	got, err := mailbox.DecodeLease(buf)
	require.NoError(t, err)
	assert.Equal(t, l, got)

	_, err = mailbox.DecodeLease(buf[:20])
	assert.ErrorIs(t, err, errs.ErrCorrupt)

	buf[0] = 'X'
	_, err = mailbox.DecodeLease(buf)
	assert.ErrorIs(t, err, errs.ErrCorrupt)
}

func TestDeadLetterDecodeGuards(t *testing.T) {
	rec := &mailbox.DeadLetterRecord{FailureCode: -7, Attempts: 4, Frame: []byte("frame")}
	buf := mailbox.EncodeDeadLetter(rec)

	got, err := mailbox.DecodeDeadLetter(buf)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = mailbox.DecodeDeadLetter(buf[:10])
	assert.ErrorIs(t, err, errs.ErrTruncated)

	_, err = mailbox.DecodeDeadLetter(buf[:len(buf)-1])
	assert.ErrorIs(t, err, errs.ErrTruncated)

	buf[0] = 'X'
	_, err = mailbox.DecodeDeadLetter(buf)
	assert.ErrorIs(t, err, errs.ErrCorrupt)
}

func TestDedupeRecordChecksum(t *testing.T) {
	rec := mailbox.NewDedupeRecord(4242)
	buf := mailbox.EncodeDedupe(rec)

	got, err := mailbox.DecodeDedupe(buf)
	require.NoError(t, err)
	assert.True(t, got.Accepted)
	assert.Equal(t, int64(4242), got.LastSeen)

	buf[3] ^= 0xff
	_, err = mailbox.DecodeDedupe(buf)
	assert.ErrorIs(t, err, errs.ErrCorrupt)
}

func TestTimerKeySortsChronologically(t *testing.T) {
	times := []int64{-500, -1, 0, 1, 99, 1 << 40}
	keys := make([][]byte, len(times))
	for i, ts := range times {
		keys[i] = mailbox.TimerKey(ts, uint64(i))
	}
	sorted := make([][]byte, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	assert.Equal(t, keys, sorted)

	for i, ts := range times {
		due, seq, err := mailbox.DecodeTimerKey(keys[i])
		require.NoError(t, err)
		assert.Equal(t, ts, due)
		assert.Equal(t, uint64(i), seq)
	}
}

func TestInboxKeyPrefixScansOneWorker(t *testing.T) {
	k := mailbox.InboxKey(7, 12)
	assert.True(t, bytes.HasPrefix(k, mailbox.InboxPrefix(7)))
	assert.False(t, bytes.HasPrefix(k, mailbox.InboxPrefix(8)))

	worker, seq, err := mailbox.DecodeInboxKey(k)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), worker)
	assert.Equal(t, uint64(12), seq)

	// Worker ordering dominates sequence ordering.
	assert.Negative(t, bytes.Compare(mailbox.InboxKey(7, 1<<40), mailbox.InboxKey(8, 0)))
}

func TestMailboxFixedSlotsSurviveReopen(t *testing.T) {
	store := pagestore.NewDefaultStore(4096)
	db, err := kv.Open(store, 4096)
	require.NoError(t, err)
	mb, err := mailbox.Open(db)
	require.NoError(t, err)
	engine := runner.New(db, runner.Config{})

	_, err = engine.Run(context.Background(), func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.InboxPut(stack, mb, 7, 1, []byte("frame"))
	}, mb.Dispatch)
	require.NoError(t, err)

	db2, err := kv.Open(store, 4096)
	require.NoError(t, err)
	mb2, err := mailbox.Open(db2)
	require.NoError(t, err)

	rtx := mb2.ReadTxn()
	defer rtx.Abort()
	v, err := rtx.Get(mb2.InboxDBI(), mailbox.InboxKey(7, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), v)
	assert.Equal(t, mailbox.DBIInbox, mb2.InboxDBI())
}

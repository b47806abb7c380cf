package runner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/runner"
)

// mapSnapshot is a fixed read snapshot with call counting, so tests
// can assert the stack caches fall-through reads.
type mapSnapshot struct {
	data map[string][]byte
	gets int
}

func (s *mapSnapshot) Get(dbi int, key []byte) ([]byte, error) {
	s.gets++
	if v, ok := s.data[string(key)]; ok {
		return v, nil
	}
	return nil, errs.ErrNotFound
}

func newStack(data map[string][]byte) (*runner.Stack, *mapSnapshot) {
	snap := &mapSnapshot{data: data}
	s := &runner.Stack{}
	s.Reset(snap)
	return s, snap
}

func TestGetFallsThroughAndCaches(t *testing.T) {
	s, snap := newStack(map[string][]byte{"k": []byte("v")})

	v, present, err := s.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, 1, snap.gets)

	// Second lookup answers from the cached read set.
	_, _, err = s.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, 1, snap.gets)

	// Absence is cached too.
	_, present, err = s.Get(0, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, present)
	_, present, err = s.Get(0, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, present)
	assert.Equal(t, 2, snap.gets)
}

func TestStagedWriteShadowsSnapshotAndDelShadowsPut(t *testing.T) {
	s, _ := newStack(map[string][]byte{"k": []byte("old")})

	s.Put(0, []byte("k"), []byte("staged"))
	v, present, err := s.Get(0, []byte("k"))
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, []byte("staged"), v)

	s.Del(0, []byte("k"))
	_, present, err = s.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.False(t, present)
}

func TestChildWriteShadowsParentUntilAbort(t *testing.T) {
	s, _ := newStack(map[string][]byte{})

	s.Put(0, []byte("k"), []byte("parent"))
	s.PushFrame()
	s.Put(0, []byte("k"), []byte("child"))

	v, _, err := s.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("child"), v)

	require.NoError(t, s.AbortTop())
	v, _, err = s.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("parent"), v)
}

func TestCommitTopMergesWritesAndPreservesIntentOrder(t *testing.T) {
	s, _ := newStack(map[string][]byte{})

	s.Put(0, []byte("a"), []byte("pa"))
	s.EmitOutbox(0, []byte("first"))
	s.PushFrame()
	s.Put(0, []byte("a"), []byte("ca"))
	s.Put(0, []byte("b"), []byte("cb"))
	s.ArmTimer(0, 99, []byte("second"))
	require.NoError(t, s.CommitTop())

	require.Equal(t, 1, s.Depth())

	writes := s.RootWrites()
	byKey := map[string]string{}
	for _, w := range writes {
		byKey[string(w.Key)] = string(w.Value)
	}
	assert.Equal(t, "ca", byKey["a"])
	assert.Equal(t, "cb", byKey["b"])
	assert.Len(t, writes, 2)

	intents := s.RootIntents()
	require.Len(t, intents, 2)
	assert.Equal(t, runner.IntentOutboxEmit, intents[0].Kind)
	assert.Equal(t, []byte("first"), intents[0].Message)
	assert.Equal(t, runner.IntentTimerArm, intents[1].Kind)
	assert.Equal(t, int64(99), intents[1].DueTimestamp)
}

func TestCommitTopAtRootDepthIsBusy(t *testing.T) {
	s, _ := newStack(map[string][]byte{})
	assert.ErrorIs(t, s.CommitTop(), errs.ErrBusy)
}

func TestHandlerLeavingExtraFramesFailsBusy(t *testing.T) {
	db, _ := openTestDB(t)
	engine := runner.New(db, runner.Config{})

	_, err := engine.Run(context.Background(), func(ctx context.Context, stack *runner.Stack) error {
		stack.PushFrame()
		return nil // never collapsed: root commit precondition violated
	}, func(context.Context, runner.Intent) error { return nil })
	assert.ErrorIs(t, err, errs.ErrBusy)
}

func TestSinkFailureDoesNotRollBackCommit(t *testing.T) {
	db, dbi := openTestDB(t)
	engine := runner.New(db, runner.Config{})

	sinkErr := errs.ErrDB
	_, err := engine.Run(context.Background(), func(ctx context.Context, stack *runner.Stack) error {
		stack.Put(dbi, []byte("k"), []byte("v"))
		stack.EmitOutbox(0, []byte("evt"))
		return nil
	}, func(context.Context, runner.Intent) error { return sinkErr })
	assert.ErrorIs(t, err, sinkErr)

	rtx := db.BeginRead()
	defer rtx.Abort()
	v, err := rtx.Get(dbi, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/parser"
)

func feedAll(t *testing.T, enc *Encoder, chunks ...string) {
	t.Helper()
	p := parser.New()
	for _, c := range chunks {
		require.NoError(t, enc.ApplyAll(p.Feed(c)))
	}
	require.NoError(t, enc.ApplyAll(p.Finish()))
}

func TestEncoderFullSequence(t *testing.T) {
	rec := NewRecorder()
	enc := NewEncoder("r1", rec)

	require.NoError(t, enc.Start())
	feedAll(t, enc, "<think>why", "</think>because")
	require.NoError(t, enc.Images([]model.SearchResult{{URL: "http://img/1"}}, "cats"))
	require.NoError(t, enc.Done(Done{TokensGenerated: 3}))

	assert.Equal(t, []EventType{
		TypeStart,
		TypeThoughtStart, TypeThoughtDelta, TypeThoughtEnd,
		TypeContentStart, TypeContentDelta, TypeContentEnd,
		TypeImages, TypeDone,
	}, rec.Types())
	for _, r := range rec.Records() {
		assert.Equal(t, "r1", r.RequestID)
	}
}

func TestEncoderImagesHeldUntilBlocksClose(t *testing.T) {
	rec := NewRecorder()
	enc := NewEncoder("r1", rec)
	require.NoError(t, enc.Start())

	p := parser.New()
	require.NoError(t, enc.ApplyAll(p.Feed("partial answer")))
	require.NoError(t, enc.Images([]model.SearchResult{{URL: "u"}}, "q"))
	require.NoError(t, enc.ApplyAll(p.Feed(" continues")))
	require.NoError(t, enc.ApplyAll(p.Finish()))
	require.NoError(t, enc.Done(Done{}))

	assert.Equal(t, []EventType{
		TypeStart, TypeContentStart, TypeContentDelta, TypeContentDelta, TypeContentEnd, TypeImages, TypeDone,
	}, rec.Types())
}

func TestEncoderTerminalClosesOpenBlocks(t *testing.T) {
	rec := NewRecorder()
	enc := NewEncoder("r1", rec)
	require.NoError(t, enc.Start())
	require.NoError(t, enc.Apply(parser.Segment{Kind: parser.ThoughtStart}))
	require.NoError(t, enc.Apply(parser.Segment{Kind: parser.ThoughtDelta, Text: "hmm"}))

	require.NoError(t, enc.Cancel(Cancelled{PartialThought: "hmm"}))

	assert.Equal(t, []EventType{TypeStart, TypeThoughtStart, TypeThoughtDelta, TypeThoughtEnd, TypeCancelled}, rec.Types())
}

func TestEncoderNothingAfterTerminal(t *testing.T) {
	rec := NewRecorder()
	enc := NewEncoder("r1", rec)
	require.NoError(t, enc.Start())
	require.NoError(t, enc.Fail("LLM_ERROR", "boom"))

	err := enc.Apply(parser.Segment{Kind: parser.ContentStart})
	assert.True(t, errors.Is(err, ErrTerminated))
	assert.ErrorIs(t, enc.Progress(Progress{}), ErrTerminated)
	assert.ErrorIs(t, enc.Done(Done{}), ErrTerminated)
	assert.ErrorIs(t, enc.Start(), ErrTerminated)
	assert.Equal(t, []EventType{TypeStart, TypeError}, rec.Types())
}

func TestEncoderRejectsThoughtAfterContent(t *testing.T) {
	enc := NewEncoder("r1", NewRecorder())
	require.NoError(t, enc.Start())
	require.NoError(t, enc.Apply(parser.Segment{Kind: parser.ContentStart}))

	err := enc.Apply(parser.Segment{Kind: parser.ThoughtStart})
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestEncoderRequiresStart(t *testing.T) {
	enc := NewEncoder("r1", NewRecorder())

	assert.ErrorIs(t, enc.Apply(parser.Segment{Kind: parser.ContentStart}), ErrOutOfOrder)
	assert.ErrorIs(t, enc.Progress(Progress{}), ErrOutOfOrder)
}

func TestEncoderRejectionWithoutStart(t *testing.T) {
	rec := NewRecorder()
	enc := NewEncoder("r1", rec)

	require.NoError(t, enc.Fail("GENERATION_IN_PROGRESS", "busy"))
	assert.Equal(t, []EventType{TypeError}, rec.Types())
}

func TestResumeEncoderSkipsStart(t *testing.T) {
	rec := NewRecorder()
	enc := ResumeEncoder("r1", rec)

	feedAll(t, enc, "hi")
	require.NoError(t, enc.Done(Done{}))

	assert.Equal(t, []EventType{TypeContentStart, TypeContentDelta, TypeContentEnd, TypeDone}, rec.Types())
	assert.True(t, enc.Touched())
}

func TestEncoderTouched(t *testing.T) {
	enc := NewEncoder("r1", NewRecorder())
	require.NoError(t, enc.Start())
	require.NoError(t, enc.Progress(Progress{TokensGenerated: 1}))
	assert.False(t, enc.Touched())

	require.NoError(t, enc.Apply(parser.Segment{Kind: parser.ContentStart}))
	assert.True(t, enc.Touched())
}

func TestEncoderProgressAnywhereAfterStart(t *testing.T) {
	rec := NewRecorder()
	enc := NewEncoder("r1", rec)
	require.NoError(t, enc.Start())
	require.NoError(t, enc.Progress(Progress{TokensGenerated: 1}))
	require.NoError(t, enc.Apply(parser.Segment{Kind: parser.ThoughtStart}))
	require.NoError(t, enc.Progress(Progress{TokensGenerated: 2}))
	require.NoError(t, enc.Done(Done{}))

	assert.Equal(t, []EventType{TypeStart, TypeProgress, TypeThoughtStart, TypeProgress, TypeThoughtEnd, TypeDone}, rec.Types())
}

func TestProgressTracker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	tr := NewProgressTracker(2, 10, func() time.Time { return clock })

	clock = clock.Add(time.Second)
	_, due := tr.Tick()
	assert.False(t, due)

	p, due := tr.Tick()
	require.True(t, due)
	assert.Equal(t, 2, p.TokensGenerated)
	assert.Equal(t, 10, p.MaxTokens)
	assert.Equal(t, 2.0, p.TokensPerSecond)
	assert.Equal(t, 4.0, p.ETASeconds)
	assert.Equal(t, 20.0, p.Percentage)

	d := tr.DoneStats()
	assert.Equal(t, 2, d.TokensGenerated)
	assert.Equal(t, 1.0, d.DurationSeconds)
}

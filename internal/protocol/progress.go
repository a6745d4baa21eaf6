package protocol

import (
	"math"
	"time"
)

// ProgressTracker counts generated tokens and produces a Progress event every
// interval tokens.
type ProgressTracker struct {
	interval  int
	maxTokens int
	now       func() time.Time
	started   time.Time
	tokens    int
}

func NewProgressTracker(interval, maxTokens int, now func() time.Time) *ProgressTracker {
	if now == nil {
		now = time.Now
	}
	return &ProgressTracker{interval: interval, maxTokens: maxTokens, now: now, started: now()}
}

// Tick records one token. The bool is true when a progress event is due.
func (t *ProgressTracker) Tick() (Progress, bool) {
	t.tokens++
	if t.interval <= 0 || t.tokens%t.interval != 0 {
		return Progress{}, false
	}
	return t.Snapshot(), true
}

func (t *ProgressTracker) Snapshot() Progress {
	rate := t.Rate()
	p := Progress{
		TokensGenerated: t.tokens,
		MaxTokens:       t.maxTokens,
		TokensPerSecond: round1(rate),
	}
	if t.maxTokens > 0 {
		remaining := t.maxTokens - t.tokens
		if remaining < 0 {
			remaining = 0
		}
		if rate > 0 {
			p.ETASeconds = round1(float64(remaining) / rate)
		}
		p.Percentage = round1(math.Min(100, float64(t.tokens)/float64(t.maxTokens)*100))
	}
	return p
}

func (t *ProgressTracker) Tokens() int { return t.tokens }

func (t *ProgressTracker) Elapsed() time.Duration { return t.now().Sub(t.started) }

func (t *ProgressTracker) Rate() float64 {
	elapsed := t.Elapsed().Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(t.tokens) / elapsed
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// DoneStats builds the done event from the tracker.
func (t *ProgressTracker) DoneStats() Done {
	return Done{
		TokensGenerated: t.tokens,
		DurationSeconds: round2(t.Elapsed().Seconds()),
		TokensPerSecond: round1(t.Rate()),
	}
}

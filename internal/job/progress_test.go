package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueuedRecord() *Record {
	now := Now()
	return &Record{
		JobID:     "job-1",
		Status:    StatusQueued,
		Phase:     PhaseQueued,
		Progress:  PhaseProgress[PhaseQueued],
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestApplyPhaseSetsFloorAndStatus(t *testing.T) {
	r := newQueuedRecord()

	r.ApplyPhase(PhasePreparing, Now())
	assert.Equal(t, StatusProcessing, r.Status)
	assert.Equal(t, PhasePreparing, r.Phase)
	assert.Equal(t, 10, r.Progress)

	r.ApplyPhase(PhasePrompting, Now())
	assert.Equal(t, 25, r.Progress)

	r.ApplyPhase(PhaseSampling, Now())
	assert.Equal(t, 70, r.Progress)

	r.ApplyPhase(PhaseAssembling, Now())
	assert.Equal(t, 90, r.Progress)

	r.ApplyPhase(PhasePostprocessing, Now())
	assert.Equal(t, 95, r.Progress)
}

func TestApplySamplingMapsIntoRange(t *testing.T) {
	r := newQueuedRecord()
	r.ApplyPhase(PhaseSampling, Now())

	require.True(t, r.ApplySampling(0.5, Now()))
	assert.Equal(t, 80, r.Progress)

	// A lower ratio never moves progress backwards.
	assert.False(t, r.ApplySampling(0.1, Now()))
	assert.Equal(t, 80, r.Progress)

	require.True(t, r.ApplySampling(0.9, Now()))
	assert.Equal(t, 87, r.Progress)

	// Even a full ratio stays below the assembling floor.
	require.True(t, r.ApplySampling(1.0, Now()))
	assert.Equal(t, 89, r.Progress)
}

func TestApplySamplingClampsRatio(t *testing.T) {
	r := newQueuedRecord()
	r.ApplyPhase(PhaseSampling, Now())

	require.True(t, r.ApplySampling(2.5, Now()))
	assert.Equal(t, SamplingEnd, r.Progress)

	r2 := newQueuedRecord()
	r2.ApplyPhase(PhaseSampling, Now())
	assert.False(t, r2.ApplySampling(-1, Now()))
	assert.Equal(t, SamplingStart, r2.Progress)
}

func TestApplySamplingIgnoredOutsideSamplingPhase(t *testing.T) {
	r := newQueuedRecord()
	r.ApplyPhase(PhaseAssembling, Now())

	// Late stream events must not drag progress back into the sampling range.
	assert.False(t, r.ApplySampling(0.5, Now()))
	assert.Equal(t, 90, r.Progress)
	assert.Equal(t, PhaseAssembling, r.Phase)
}

func TestApplySamplingIgnoredAfterTerminal(t *testing.T) {
	r := newQueuedRecord()
	r.ApplyPhase(PhaseSampling, Now())
	r.Fail("COMFY_EXEC_ERROR", "boom", Now())

	assert.False(t, r.ApplySampling(0.9, Now()))
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, 100, r.Progress)
}

func TestCompleteAndFail(t *testing.T) {
	r := newQueuedRecord()
	r.Complete("/static/renders/k/video.mp4", "/static/renders/k/thumb.jpg", "k", Now())

	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, PhaseDone, r.Phase)
	assert.Equal(t, 100, r.Progress)
	assert.Equal(t, "/static/renders/k/video.mp4", r.Result.VideoURL)
	assert.Equal(t, "/static/renders/k/thumb.jpg", r.Result.ThumbnailURL)
	assert.Equal(t, "k", r.Result.CacheKey)
	assert.True(t, r.IsTerminal())

	r2 := newQueuedRecord()
	r2.Fail("COMFY_TIMEOUT", "prompt timed out in 900s", Now())
	assert.Equal(t, StatusFailed, r2.Status)
	assert.Equal(t, PhaseError, r2.Phase)
	assert.Equal(t, 100, r2.Progress)
	assert.Equal(t, "COMFY_TIMEOUT", r2.Error.Code)
	assert.True(t, r2.IsTerminal())
}

func TestProgressNeverDecreasesAcrossPhases(t *testing.T) {
	r := newQueuedRecord()
	last := r.Progress

	steps := []Phase{PhasePreparing, PhasePrompting, PhaseSampling}
	for _, phase := range steps {
		r.ApplyPhase(phase, Now())
		require.GreaterOrEqual(t, r.Progress, last)
		last = r.Progress
	}

	for _, ratio := range []float64{0.2, 0.1, 0.6, 0.6, 1.0} {
		r.ApplySampling(ratio, Now())
		require.GreaterOrEqual(t, r.Progress, last)
		last = r.Progress
	}

	r.ApplyPhase(PhaseAssembling, Now())
	require.GreaterOrEqual(t, r.Progress, last)
}

func TestParseTimestamp(t *testing.T) {
	assert.True(t, ParseTimestamp("").IsZero())
	assert.True(t, ParseTimestamp("not-a-time").IsZero())

	ts := ParseTimestamp("2026-08-24T10:30:00.5Z")
	require.False(t, ts.IsZero())
	assert.Equal(t, 2026, ts.Year())
}

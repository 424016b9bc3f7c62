package job

import "math"

// Sampling progress is mapped into the open slice between the sampling and
// assembling phase floors so a late sampling event can never reach the
// assembling value.
const (
	SamplingStart = 70
	SamplingEnd   = 89
)

// ApplyPhase moves the record to the given phase and its progress floor.
// Any phase other than queued implies the worker has picked the job up.
func (r *Record) ApplyPhase(phase Phase, now string) {
	r.Phase = phase
	r.Progress = PhaseProgress[phase]
	r.UpdatedAt = now
	if phase != PhaseQueued {
		r.Status = StatusProcessing
	}
}

// ApplySampling maps a sampling ratio in [0,1] onto the progress range
// [SamplingStart, SamplingEnd]. The update is dropped unless the record is
// still in the sampling phase, still live, and the mapped value strictly
// increases the current progress; this keeps progress monotonic even when
// stream events arrive after a later phase transition. It reports whether
// the record changed.
func (r *Record) ApplySampling(ratio float64, now string) bool {
	ratio = math.Max(0, math.Min(1, ratio))
	mapped := SamplingStart + int(math.Round(float64(SamplingEnd-SamplingStart)*ratio))

	if r.Phase != PhaseSampling {
		return false
	}
	if r.Status != StatusProcessing && r.Status != StatusQueued {
		return false
	}
	if mapped <= r.Progress {
		return false
	}

	r.Progress = mapped
	r.Status = StatusProcessing
	r.UpdatedAt = now
	return true
}

// Complete marks the record done with its result URLs populated.
func (r *Record) Complete(videoURL, thumbURL, cacheKey, now string) {
	r.Status = StatusCompleted
	r.Phase = PhaseDone
	r.Progress = PhaseProgress[PhaseDone]
	r.Result = Result{VideoURL: videoURL, ThumbnailURL: thumbURL, CacheKey: cacheKey}
	r.Error = Error{}
	r.UpdatedAt = now
}

// Fail marks the record terminally failed with a taxonomy code.
func (r *Record) Fail(code, message, now string) {
	r.Status = StatusFailed
	r.Phase = PhaseError
	r.Progress = PhaseProgress[PhaseError]
	r.Error = Error{Code: code, Message: message}
	r.UpdatedAt = now
}

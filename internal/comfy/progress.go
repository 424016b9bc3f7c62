package comfy

// executionTracker fuses the two independent progress signals from the
// backend into one ratio: the set of finished workflow nodes plus the
// fractional progress of nodes currently running. Ratios only ever move
// forward; a fraction from a node that later finishes is dropped in favor
// of its full completion.
type executionTracker struct {
	total   int
	done    map[string]struct{}
	running map[string]float64
	last    float64
}

func newExecutionTracker(totalNodes int) *executionTracker {
	if totalNodes < 1 {
		totalNodes = 1
	}
	return &executionTracker{
		total:   totalNodes,
		done:    make(map[string]struct{}),
		running: make(map[string]float64),
	}
}

// markDone records a node as finished and forgets its running fraction.
func (t *executionTracker) markDone(nodeID string) {
	if nodeID == "" {
		return
	}
	t.done[nodeID] = struct{}{}
	delete(t.running, nodeID)
}

// setRunning records the fractional progress of a running node. Nodes with
// max <= 1 carry no meaningful sub-progress and are ignored, as are nodes
// already marked done.
func (t *executionTracker) setRunning(nodeID string, value, max float64) {
	if nodeID == "" || max <= 1 {
		return
	}
	if _, ok := t.done[nodeID]; ok {
		return
	}
	t.running[nodeID] = clampRatio(value / max)
}

// ratio computes (|done| + sum of running fractions) / total, clamped to [0,1].
func (t *executionTracker) ratio() float64 {
	doneCount := len(t.done)
	if doneCount > t.total {
		doneCount = t.total
	}
	remaining := float64(t.total - doneCount)

	var partial float64
	for _, r := range t.running {
		partial += clampRatio(r)
	}
	if partial > remaining {
		partial = remaining
	}

	return clampRatio((float64(doneCount) + partial) / float64(t.total))
}

// advance returns the current ratio and whether it strictly increased since
// the last emission.
func (t *executionTracker) advance() (float64, bool) {
	r := t.ratio()
	if r > t.last {
		t.last = r
		return r, true
	}
	return t.last, false
}

// finished reports whether a final 1.0 still needs to be emitted.
func (t *executionTracker) finished() bool {
	return t.last >= 1.0
}

func clampRatio(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

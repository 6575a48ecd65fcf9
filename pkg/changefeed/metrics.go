package changefeed

// Metrics receives operational signals from a Manager. Implementations must be
// safe for concurrent use and must not block.
type Metrics interface {
	// SetListeners records the current listener count.
	SetListeners(n int)
	// SetState records a subscription state transition.
	SetState(s State)
	// IncEvents counts one event relayed to listeners.
	IncEvents()
	// IncReconnects counts one reopen after a failure.
	IncReconnects()
	// IncOpenFailures counts one failed Opener call.
	IncOpenFailures()
}

// NopMetrics discards all signals.
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) SetListeners(int) {}
func (NopMetrics) SetState(State)   {}
func (NopMetrics) IncEvents()       {}
func (NopMetrics) IncReconnects()   {}
func (NopMetrics) IncOpenFailures() {}

package tm

// Metrics receives run and prune outcomes for export.
type Metrics interface {
	RunStarted(destination string)
	RunProgress(destination string, stats Stats)
	RunFinished(destination string, status Status, stats Stats)
	PruneFinished(destination string, result PruneResult)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) RunStarted(string)                 {}
func (NopMetrics) RunProgress(string, Stats)         {}
func (NopMetrics) RunFinished(string, Status, Stats) {}
func (NopMetrics) PruneFinished(string, PruneResult) {}

package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	CyclesStarted    Counter
	CyclesCompleted  Counter
	CycleErrors      Counter
	HedgeRollbacks   Counter
	RollbackFailures Counter
	CloseFallbacks   Counter
	CloseFailures    Counter
	FundingDetected  Counter
	FundingFallbacks Counter
	PoolEvictions    Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesStarted:    n,
		CyclesCompleted:  n,
		CycleErrors:      n,
		HedgeRollbacks:   n,
		RollbackFailures: n,
		CloseFallbacks:   n,
		CloseFailures:    n,
		FundingDetected:  n,
		FundingFallbacks: n,
		PoolEvictions:    n,
	}
}

// OrNoop lets components accept a nil *Metrics.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}

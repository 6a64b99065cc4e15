package transaction

// Metrics receives transaction lifecycle events.
// Implementations must be safe for concurrent use.
type Metrics interface {
	TransactionCreated(typ string)
	TransactionTerminated(typ, reason string)
}

type noopMetrics struct{}

func (noopMetrics) TransactionCreated(string) {}

func (noopMetrics) TransactionTerminated(string, string) {}

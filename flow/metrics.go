package flow

// Metrics receives flow lifecycle events.
// Implementations must be safe for concurrent use.
type Metrics interface {
	FlowCreated(transport string)
	FlowClosed(transport, reason string)
	KeepAlivePing(transport, method string)
	KeepAliveFailure(transport string)
}

type noopMetrics struct{}

func (noopMetrics) FlowCreated(string) {}

func (noopMetrics) FlowClosed(string, string) {}

func (noopMetrics) KeepAlivePing(string, string) {}

func (noopMetrics) KeepAliveFailure(string) {}

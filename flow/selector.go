package flow

import (
	"sync/atomic"

	"github.com/samber/lo"
)

// Selector picks one flow out of the open flows of an endpoint bucket.
// flows is never empty.
type Selector interface {
	Select(flows []*Flow) *Flow
}

// SelectorFunc is an adapter to use ordinary functions as [Selector].
type SelectorFunc func(flows []*Flow) *Flow

func (fn SelectorFunc) Select(flows []*Flow) *Flow { return fn(flows) }

// RandomSelector picks a random flow.
type RandomSelector struct{}

func (RandomSelector) Select(flows []*Flow) *Flow { return lo.Sample(flows) }

// RoundRobinSelector cycles over the flows.
// The zero value is ready to use.
type RoundRobinSelector struct {
	next atomic.Uint64
}

func (s *RoundRobinSelector) Select(flows []*Flow) *Flow {
	n := s.next.Add(1) - 1
	return flows[n%uint64(len(flows))]
}

// LeastBusySelector picks the flow with the fewest sends in progress.
type LeastBusySelector struct{}

func (LeastBusySelector) Select(flows []*Flow) *Flow {
	return lo.MinBy(flows, func(a, b *Flow) bool { return a.InFlight() < b.InFlight() })
}

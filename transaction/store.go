package transaction

import (
	"context"
	"iter"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/sip"
)

// Factory creates a server transaction for the request.
// It runs under the store shard lock and must not access the store.
type Factory func(ctx context.Context, id ID, f Flow, req *sip.Request) (*Transaction, error)

// Store is the registry of live transactions.
// Operations on different IDs do not contend.
type Store struct {
	txs     *syncutil.ShardMap[ID, *Transaction]
	byFlow  *syncutil.ShardMap[Flow, map[*Transaction]struct{}]
	factory Factory
}

// NewStore creates a new [Store].
// Factory creates server transactions in [Store.Ensure], sizeHint is the expected number of transactions.
func NewStore(factory Factory, sizeHint uint) *Store {
	return &Store{
		txs:     syncutil.NewShardMap[ID, *Transaction](syncutil.SizeHint(sizeHint)),
		byFlow:  syncutil.NewShardMap[Flow, map[*Transaction]struct{}](),
		factory: factory,
	}
}

// Ensure returns the transaction of the message.
// Requests other than ACK get a server transaction created on first sight, concurrent calls
// observe the same instance. ACK and responses are only looked up,
// nil transaction without error means no transaction matches and the message is a stray.
func (s *Store) Ensure(ctx context.Context, f Flow, msg sip.Message) (tx *Transaction, created bool, err error) {
	id, err := IDOf(msg)
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}

	switch m := msg.(type) {
	case *sip.Request:
		if m.Method == sip.ACK {
			tx, ok := s.txs.Get(id)
			if !ok || tx.typ != TypeServerInvite {
				return nil, false, nil
			}
			return tx, false, nil
		}

		tx, loaded, err := s.txs.LoadOrCompute(id, func() (*Transaction, error) {
			tx, err := s.factory(ctx, id, f, m)
			if err != nil {
				return nil, errtrace.Wrap(err)
			}
			s.index(f, tx)
			return tx, nil
		})
		if err != nil {
			return nil, false, errtrace.Wrap(err)
		}
		if !tx.typ.IsServer() {
			return nil, false, nil
		}
		return tx, !loaded, nil
	case *sip.Response:
		tx, ok := s.txs.Get(id)
		if !ok || tx.typ.IsServer() {
			return nil, false, nil
		}
		return tx, false, nil
	default:
		return nil, false, errtrace.Wrap(sip.NewMalformedMessageError("unexpected message type %T", msg))
	}
}

// Insert registers a new client transaction, it reports false if the ID is taken.
func (s *Store) Insert(tx *Transaction) bool {
	_, loaded, _ := s.txs.LoadOrCompute(tx.id, func() (*Transaction, error) {
		s.index(tx.flow, tx)
		return tx, nil
	})
	return !loaded
}

// Get returns the transaction by ID.
func (s *Store) Get(id ID) (*Transaction, bool) { return s.txs.Get(id) }

// Remove removes exactly this transaction instance.
// The flow of a removed transaction must not change afterwards.
func (s *Store) Remove(tx *Transaction) bool {
	if !s.txs.DelFunc(tx.id, func(v *Transaction) bool { return v == tx }) {
		return false
	}
	s.unindex(tx.Flow(), tx)
	return true
}

// ByFlow returns transactions currently bound to the flow.
func (s *Store) ByFlow(f Flow) []*Transaction {
	if f == nil {
		return nil
	}
	var txs []*Transaction
	s.byFlow.Compute(f, func(cur map[*Transaction]struct{}, ok bool) (map[*Transaction]struct{}, bool) {
		for tx := range cur {
			txs = append(txs, tx)
		}
		return cur, ok
	})
	return txs
}

// rebind moves the transaction to the index of another flow, it must be called with tx.mu held.
func (s *Store) rebind(tx *Transaction, from, to Flow) {
	if from == to {
		return
	}
	s.unindex(from, tx)
	s.index(to, tx)
}

func (s *Store) index(f Flow, tx *Transaction) {
	if f == nil {
		return
	}
	s.byFlow.Compute(f, func(cur map[*Transaction]struct{}, ok bool) (map[*Transaction]struct{}, bool) {
		if !ok {
			cur = make(map[*Transaction]struct{}, 1)
		}
		cur[tx] = struct{}{}
		return cur, true
	})
}

func (s *Store) unindex(f Flow, tx *Transaction) {
	if f == nil {
		return
	}
	s.byFlow.Compute(f, func(cur map[*Transaction]struct{}, ok bool) (map[*Transaction]struct{}, bool) {
		if !ok {
			return nil, false
		}
		delete(cur, tx)
		return cur, len(cur) > 0
	})
}

// Len returns number of transactions.
func (s *Store) Len() int { return s.txs.Size() }

// All iterates over a snapshot of transactions.
func (s *Store) All() iter.Seq[*Transaction] {
	return func(yield func(*Transaction) bool) {
		for _, tx := range s.txs.Items() {
			if !yield(tx) {
				return
			}
		}
	}
}

package transaction

import (
	"context"

	"github.com/ghettovoice/sipcore/sip"
)

// User is the transaction user, the layer above transactions.
// Callbacks are called without any transaction or flow lock held,
// so they may call back into the [Layer].
type User interface {
	// OnRequest receives a request that created a server transaction.
	OnRequest(ctx context.Context, tx *Transaction, req *sip.Request)
	// OnResponse receives a response matched to a client transaction.
	OnResponse(ctx context.Context, tx *Transaction, res *sip.Response)
	// OnStray receives messages that match no transaction: ACK to 2xx and stray responses.
	OnStray(ctx context.Context, f Flow, msg sip.Message)
	// OnTransactionTerminated is called once the transaction is terminated and removed from the store.
	// The reason is available from [Transaction.Err].
	OnTransactionTerminated(ctx context.Context, tx *Transaction)
}

// UserFuncs is an adapter to build a [User] from functions, nil functions are no-ops.
type UserFuncs struct {
	Request    func(ctx context.Context, tx *Transaction, req *sip.Request)
	Response   func(ctx context.Context, tx *Transaction, res *sip.Response)
	Stray      func(ctx context.Context, f Flow, msg sip.Message)
	Terminated func(ctx context.Context, tx *Transaction)
}

func (u UserFuncs) OnRequest(ctx context.Context, tx *Transaction, req *sip.Request) {
	if u.Request != nil {
		u.Request(ctx, tx, req)
	}
}

func (u UserFuncs) OnResponse(ctx context.Context, tx *Transaction, res *sip.Response) {
	if u.Response != nil {
		u.Response(ctx, tx, res)
	}
}

func (u UserFuncs) OnStray(ctx context.Context, f Flow, msg sip.Message) {
	if u.Stray != nil {
		u.Stray(ctx, f, msg)
	}
}

func (u UserFuncs) OnTransactionTerminated(ctx context.Context, tx *Transaction) {
	if u.Terminated != nil {
		u.Terminated(ctx, tx)
	}
}

package transaction

import (
	"context"

	"github.com/ghettovoice/sipcore/sip"
)

// configureClientInvite builds the INVITE client state machine, RFC 3261 section 17.1.1.
func (tx *Transaction) configureClientInvite() {
	tx.fsm.Configure(StateInit).
		Permit(evtSendReq, StateCalling).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCalling).
		OnEntryFrom(evtSendReq, tx.actSendReq).
		OnEntry(tx.actCalling).
		InternalTransition(TimerA, tx.actRetransmitA).
		Permit(evtRecv1xx, StateProceeding).
		Permit(evtRecv2xx, StateTerminated).
		Permit(evtRecv300699, StateCompleted).
		Permit(TimerB, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntryFrom(evtRecv1xx, tx.actPassRes).
		OnEntry(tx.actStopCalling).
		InternalTransition(evtRecv1xx, tx.actPassRes).
		Permit(evtRecv2xx, StateTerminated).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntryFrom(evtRecv300699, tx.actAckAndPass).
		OnEntry(tx.actClientInviteCompleted).
		InternalTransition(evtRecv300699, tx.actResendAck).
		Ignore(evtRecv1xx).
		Ignore(evtRecv2xx).
		Permit(TimerD, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntryFrom(evtRecv2xx, tx.actPassRes).
		OnEntryFrom(TimerB, tx.actTimedOut)
}

func (tx *Transaction) actCalling(ctx context.Context, _ ...any) error {
	if !tx.reliable() {
		tx.retrans[TimerA] = 0
		tx.arm(ctx, TimerA, tx.timings.TimeA())
	}
	tx.arm(ctx, TimerB, tx.timings.TimeB())
	return nil
}

func (tx *Transaction) actRetransmitA(ctx context.Context, _ ...any) error {
	if err := tx.actResendReq(ctx); err != nil {
		return err //nolint:wrapcheck
	}
	tx.retransmit(ctx, TimerA, tx.timings.TimeB())
	return nil
}

func (tx *Transaction) actStopCalling(context.Context, ...any) error {
	tx.disarm(TimerA)
	tx.disarm(TimerB)
	return nil
}

func (tx *Transaction) actAckAndPass(ctx context.Context, args ...any) error {
	res := args[0].(*sip.Response) //nolint:forcetypeassert
	tx.ack = sip.NewAck(tx.req, res)
	tx.out.EmitDownstream(tx.ack)
	return tx.actPassRes(ctx, args...)
}

func (tx *Transaction) actResendAck(context.Context, ...any) error {
	if tx.ack != nil {
		tx.out.EmitDownstream(tx.ack)
	}
	return nil
}

func (tx *Transaction) actClientInviteCompleted(ctx context.Context, args ...any) error {
	if err := tx.actStopCalling(ctx, args...); err != nil {
		return err //nolint:wrapcheck
	}
	if tx.reliable() {
		tx.arm(ctx, TimerD, 0)
	} else {
		tx.arm(ctx, TimerD, tx.timings.TimeD())
	}
	return nil
}

// configureClientNonInvite builds the non-INVITE client state machine, RFC 3261 section 17.1.2.
func (tx *Transaction) configureClientNonInvite() {
	tx.fsm.Configure(StateInit).
		Permit(evtSendReq, StateTrying).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTrying).
		OnEntryFrom(evtSendReq, tx.actSendReq).
		OnEntry(tx.actClientTrying).
		InternalTransition(TimerE, tx.actRetransmitE).
		Permit(evtRecv1xx, StateProceeding).
		Permit(evtRecv2xx, StateCompleted).
		Permit(evtRecv300699, StateCompleted).
		Permit(TimerF, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntryFrom(evtRecv1xx, tx.actPassRes).
		InternalTransition(evtRecv1xx, tx.actPassRes).
		InternalTransition(TimerE, tx.actRetransmitE).
		Permit(evtRecv2xx, StateCompleted).
		Permit(evtRecv300699, StateCompleted).
		Permit(TimerF, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntryFrom(evtRecv2xx, tx.actPassRes).
		OnEntryFrom(evtRecv300699, tx.actPassRes).
		OnEntry(tx.actClientNonInviteCompleted).
		Ignore(evtRecv1xx).
		Ignore(evtRecv2xx).
		Ignore(evtRecv300699).
		Permit(TimerK, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntryFrom(TimerF, tx.actTimedOut)
}

func (tx *Transaction) actClientTrying(ctx context.Context, _ ...any) error {
	if !tx.reliable() {
		tx.retrans[TimerE] = 0
		tx.arm(ctx, TimerE, tx.timings.TimeE())
	}
	tx.arm(ctx, TimerF, tx.timings.TimeF())
	return nil
}

// actRetransmitE resends the request, in proceeding state the interval is T2.
func (tx *Transaction) actRetransmitE(ctx context.Context, _ ...any) error {
	if err := tx.actResendReq(ctx); err != nil {
		return err //nolint:wrapcheck
	}
	if tx.state == StateProceeding {
		tx.arm(ctx, TimerE, tx.timings.T2())
		return nil
	}
	tx.retransmit(ctx, TimerE, tx.timings.T2())
	return nil
}

func (tx *Transaction) actClientNonInviteCompleted(ctx context.Context, _ ...any) error {
	tx.disarm(TimerE)
	tx.disarm(TimerF)
	if tx.reliable() {
		tx.arm(ctx, TimerK, 0)
	} else {
		tx.arm(ctx, TimerK, tx.timings.TimeK())
	}
	return nil
}

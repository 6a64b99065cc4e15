package transaction

import (
	"context"
	"log/slog"

	"github.com/ghettovoice/sipcore/sip"
)

// configureServerInvite builds the INVITE server state machine, RFC 3261 section 17.2.1.
// 2xx moves the transaction straight to terminated, retransmissions of 2xx belong to the TU.
func (tx *Transaction) configureServerInvite() {
	tx.fsm.Configure(StateInit).
		Permit(evtRecvReq, StateProceeding).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntryFrom(evtRecvReq, tx.actRecvInvite).
		InternalTransition(evtRecvReq, tx.actResendRes).
		InternalTransition(evtSend1xx, tx.actSendInviteRes).
		InternalTransition(Timer1xx, tx.actSend100).
		Ignore(evtRecvAck).
		Permit(evtSend2xx, StateTerminated).
		Permit(evtSend300699, StateCompleted).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntryFrom(evtSend300699, tx.actSendInviteRes).
		OnEntry(tx.actServerInviteCompleted).
		InternalTransition(evtRecvReq, tx.actResendRes).
		InternalTransition(TimerG, tx.actRetransmitG).
		Permit(evtRecvAck, StateConfirmed).
		Permit(TimerH, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateConfirmed).
		OnEntry(tx.actConfirmed).
		Ignore(evtRecvReq).
		Ignore(evtRecvAck).
		Permit(TimerI, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntryFrom(evtSend2xx, tx.actSendInviteRes).
		OnEntryFrom(TimerH, tx.actTimedOut)
}

func (tx *Transaction) actRecvInvite(ctx context.Context, args ...any) error {
	if err := tx.actPassReq(ctx, args...); err != nil {
		return err //nolint:wrapcheck
	}
	if tx.layer.send100 {
		return tx.actSend100(ctx)
	}
	tx.arm(ctx, Timer1xx, tx.timings.Time100())
	return nil
}

func (tx *Transaction) actSend100(ctx context.Context, _ ...any) error {
	if tx.lastRes != nil {
		return nil
	}
	res := sip.NewResponse(tx.req, 100, "")
	tx.layer.log.LogAttrs(ctx, slog.LevelDebug, "send automatic 100 Trying", slog.Any("transaction", tx))
	tx.lastRes = res
	tx.out.EmitDownstream(res)
	return nil
}

func (tx *Transaction) actSendInviteRes(ctx context.Context, args ...any) error {
	tx.disarm(Timer1xx)
	return tx.actSendRes(ctx, args...)
}

func (tx *Transaction) actServerInviteCompleted(ctx context.Context, _ ...any) error {
	if !tx.reliable() {
		tx.retrans[TimerG] = 0
		tx.arm(ctx, TimerG, tx.timings.TimeG())
	}
	tx.arm(ctx, TimerH, tx.timings.TimeH())
	return nil
}

func (tx *Transaction) actRetransmitG(ctx context.Context, _ ...any) error {
	if err := tx.actResendRes(ctx); err != nil {
		return err //nolint:wrapcheck
	}
	tx.retransmit(ctx, TimerG, tx.timings.T2())
	return nil
}

func (tx *Transaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.disarm(TimerG)
	tx.disarm(TimerH)
	if tx.reliable() {
		tx.arm(ctx, TimerI, 0)
	} else {
		tx.arm(ctx, TimerI, tx.timings.TimeI())
	}
	return nil
}

// configureServerNonInvite builds the non-INVITE server state machine, RFC 3261 section 17.2.2.
func (tx *Transaction) configureServerNonInvite() {
	tx.fsm.Configure(StateInit).
		Permit(evtRecvReq, StateTrying).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTrying).
		OnEntryFrom(evtRecvReq, tx.actPassReq).
		Ignore(evtRecvReq).
		Ignore(evtRecvAck).
		Permit(evtSend1xx, StateProceeding).
		Permit(evtSend2xx, StateCompleted).
		Permit(evtSend300699, StateCompleted).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntryFrom(evtSend1xx, tx.actSendRes).
		InternalTransition(evtRecvReq, tx.actResendRes).
		InternalTransition(evtSend1xx, tx.actSendRes).
		Ignore(evtRecvAck).
		Permit(evtSend2xx, StateCompleted).
		Permit(evtSend300699, StateCompleted).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntryFrom(evtSend2xx, tx.actSendRes).
		OnEntryFrom(evtSend300699, tx.actSendRes).
		OnEntry(tx.actServerNonInviteCompleted).
		InternalTransition(evtRecvReq, tx.actResendRes).
		Ignore(evtRecvAck).
		Permit(TimerJ, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)
}

func (tx *Transaction) actServerNonInviteCompleted(ctx context.Context, _ ...any) error {
	if tx.reliable() {
		tx.arm(ctx, TimerJ, 0)
	} else {
		tx.arm(ctx, TimerJ, tx.timings.TimeJ())
	}
	return nil
}

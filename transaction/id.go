package transaction

import (
	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/sip"
)

// ID identifies a transaction.
// It is the raw branch of the top-most Via, CANCEL transactions get a "|CANCEL" suffix.
type ID string

const cancelSuffix = "|" + sip.CANCEL

// IDOf computes the transaction ID of the message.
// ACK maps to the ID of the INVITE transaction it acknowledges.
func IDOf(msg sip.Message) (ID, error) {
	via, err := sip.TopVia(msg)
	if err != nil {
		return "", errtrace.Wrap(sip.NewMalformedMessageError(err))
	}
	branch := via.Branch()
	if branch == "" {
		return "", errtrace.Wrap(sip.NewMalformedMessageError("missing Via branch"))
	}

	method, err := methodOf(msg)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if method == sip.CANCEL {
		return ID(branch + cancelSuffix), nil
	}
	return ID(branch), nil
}

func methodOf(msg sip.Message) (string, error) {
	if req, ok := msg.(*sip.Request); ok {
		return req.Method, nil
	}
	cseq, err := sip.GetCSeq(msg)
	if err != nil {
		return "", errtrace.Wrap(sip.NewMalformedMessageError(err))
	}
	return cseq.Method, nil
}

func (id ID) String() string { return string(id) }

package transport

import (
	"bytes"

	"braces.dev/errtrace"
	"github.com/pion/stun/v3"

	"github.com/ghettovoice/sipcore/sip"
)

// Classify detects kind of a message framed payload (UDP datagram or WebSocket message).
// STUN is only recognized when allowSTUN is set.
func Classify(data []byte, allowSTUN bool) (Inbound, error) {
	switch {
	case bytes.Equal(data, CRLFPing):
		return Inbound{Kind: InboundPing}, nil
	case bytes.Equal(data, CRLFPong):
		return Inbound{Kind: InboundPong}, nil
	case allowSTUN && stun.IsMessage(data):
		return Inbound{Kind: InboundSTUN, Raw: bytes.Clone(data)}, nil
	}

	msg, err := sip.Parse(data)
	if err != nil {
		return Inbound{}, errtrace.Wrap(err)
	}
	return Inbound{Kind: InboundMessage, Message: msg}, nil
}

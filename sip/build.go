package sip

import (
	"strings"

	"github.com/google/uuid"
)

var statusText = map[int]string{
	100: "Trying",
	180: "Ringing",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	400: "Bad Request",
	404: "Not Found",
	408: "Request Timeout",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	486: "Busy Here",
	487: "Request Terminated",
	500: "Server Internal Error",
	501: "Not Implemented",
	503: "Service Unavailable",
	603: "Decline",
}

// StatusText returns default reason phrase for the status code.
func StatusText(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	switch {
	case code < 200:
		return "Provisional"
	case code < 300:
		return "Success"
	case code < 400:
		return "Redirection"
	case code < 500:
		return "Client Error"
	case code < 600:
		return "Server Error"
	default:
		return "Global Failure"
	}
}

// NewResponse builds a response to the request as described in RFC 3261 section 8.2.6.
// Empty reason is replaced with [StatusText].
func NewResponse(req *Request, code int, reason string) *Response {
	if reason == "" {
		reason = StatusText(code)
	}
	res := &Response{Status: code, Reason: reason}
	for _, name := range []string{"Via", "Record-Route", "From", "To", "Call-ID", "CSeq"} {
		if name == "Record-Route" && !(code > 100 && code < 300) {
			continue
		}
		for _, v := range req.Header.Values(name) {
			res.Header.Add(name, v)
		}
	}
	return res
}

// NewAck builds ACK for non-2xx final response to the INVITE, RFC 3261 section 17.1.1.3.
func NewAck(inv *Request, res *Response) *Request {
	ack := NewRequest(ACK, inv.URI)
	if v, ok := inv.Header.Get("Via"); ok {
		ack.Header.Add("Via", v)
	}
	for _, v := range inv.Header.Values("Route") {
		ack.Header.Add("Route", v)
	}
	ack.Header.Add("Max-Forwards", "70")
	if v, ok := inv.Header.Get("From"); ok {
		ack.Header.Add("From", v)
	}
	if v, ok := res.Header.Get("To"); ok {
		ack.Header.Add("To", v)
	}
	ack.Header.Add("Call-ID", CallID(inv))
	if cseq, err := GetCSeq(inv); err == nil {
		cseq.Method = ACK
		ack.Header.Add("CSeq", cseq.String())
	}
	return ack
}

// NewBranch generates a new RFC 3261 compliant branch.
func NewBranch() string {
	return MagicCookie + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewCallID generates a random Call-ID.
func NewCallID() string { return uuid.NewString() }

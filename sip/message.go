// Package sip contains a minimal SIP message model used by the transport, flow and transaction layers.
// It knows only the headers needed for transaction matching and keep-alive processing.
package sip

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

// ProtoVer is the only supported protocol version.
const ProtoVer = "SIP/2.0"

// Request methods used by the core.
const (
	INVITE   = "INVITE"
	ACK      = "ACK"
	CANCEL   = "CANCEL"
	BYE      = "BYE"
	OPTIONS  = "OPTIONS"
	REGISTER = "REGISTER"
)

// Message is a SIP request or response.
type Message interface {
	// Headers returns the mutable message header.
	Headers() *Header
	// Content returns the message body.
	Content() []byte
	// StartLine returns the first line of the rendered message.
	StartLine() string
	// Clone returns a deep copy of the message.
	Clone() Message
	// Render returns the message in wire format with Content-Length set to the body size.
	Render() []byte
	fmt.Stringer
	slog.LogValuer
}

// Request is a SIP request.
type Request struct {
	Method string
	URI    string
	Header Header
	Body   []byte
}

// NewRequest creates a new request with empty header.
func NewRequest(method, uri string) *Request {
	return &Request{Method: util.UCase(method), URI: uri}
}

func (r *Request) Headers() *Header { return &r.Header }

func (r *Request) Content() []byte { return r.Body }

func (r *Request) StartLine() string { return r.Method + " " + r.URI + " " + ProtoVer }

func (r *Request) Clone() Message {
	if r == nil {
		return (*Request)(nil)
	}
	return &Request{
		Method: r.Method,
		URI:    r.URI,
		Header: r.Header.Clone(),
		Body:   slices.Clone(r.Body),
	}
}

func (r *Request) Render() []byte { return render(r) }

func (r *Request) String() string {
	if r == nil {
		return "<nil>"
	}
	return string(r.Render())
}

func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("method", r.Method),
		slog.String("uri", r.URI),
		slog.String("call_id", CallID(r)),
		slog.String("branch", branchOf(r)),
	)
}

// Response is a SIP response.
type Response struct {
	Status int
	Reason string
	Header Header
	Body   []byte
}

func (r *Response) Headers() *Header { return &r.Header }

func (r *Response) Content() []byte { return r.Body }

func (r *Response) StartLine() string {
	return ProtoVer + " " + strconv.Itoa(r.Status) + " " + r.Reason
}

func (r *Response) Clone() Message {
	if r == nil {
		return (*Response)(nil)
	}
	return &Response{
		Status: r.Status,
		Reason: r.Reason,
		Header: r.Header.Clone(),
		Body:   slices.Clone(r.Body),
	}
}

func (r *Response) Render() []byte { return render(r) }

func (r *Response) String() string {
	if r == nil {
		return "<nil>"
	}
	return string(r.Render())
}

func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int("status", r.Status),
		slog.String("reason", r.Reason),
		slog.String("call_id", CallID(r)),
		slog.String("branch", branchOf(r)),
	)
}

// IsProvisional reports whether the response is 1xx.
func (r *Response) IsProvisional() bool { return r.Status >= 100 && r.Status < 200 }

// IsSuccess reports whether the response is 2xx.
func (r *Response) IsSuccess() bool { return r.Status >= 200 && r.Status < 300 }

// IsFinal reports whether the response is 2xx-6xx.
func (r *Response) IsFinal() bool { return r.Status >= 200 }

func render(m Message) []byte {
	var buf bytes.Buffer
	_, _ = writeTo(&buf, m)
	return buf.Bytes()
}

// WriteTo writes the message to w in wire format.
func WriteTo(w io.Writer, m Message) (int64, error) {
	return errtrace.Wrap2(writeTo(w, m))
}

func writeTo(w io.Writer, m Message) (int64, error) {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(m.StartLine())
	sb.WriteString("\r\n")
	for _, f := range m.Headers().fields {
		if f.Name == "Content-Length" {
			continue
		}
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
		sb.WriteString("\r\n")
	}
	body := m.Content()
	sb.WriteString("Content-Length: ")
	sb.WriteString(strconv.Itoa(len(body)))
	sb.WriteString("\r\n\r\n")

	n, err := io.WriteString(w, sb.String())
	if err != nil {
		return int64(n), err //nolint:wrapcheck
	}
	bn, err := w.Write(body)
	return int64(n + bn), err //nolint:wrapcheck
}

// IsRequest reports whether m is a non-nil request.
func IsRequest(m Message) bool {
	r, ok := m.(*Request)
	return ok && r != nil
}

// IsResponse reports whether m is a non-nil response.
func IsResponse(m Message) bool {
	r, ok := m.(*Response)
	return ok && r != nil
}

package sip_test

import (
	"bufio"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/sip"
)

const inviteRaw = "INVITE sip:bob@example.com SIP/2.0\r\n" +
	"v: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1;rport, SIP/2.0/UDP 10.0.0.2\r\n" +
	"Max-Forwards: 70\r\n" +
	"From: <sip:alice@example.com>;tag=a1\r\n" +
	"To: <sip:bob@example.com>\r\n" +
	"i: call-1\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Subject: long\r\n" +
	" folded\r\n" +
	"l: 4\r\n" +
	"\r\n" +
	"body"

func TestParse(t *testing.T) {
	t.Parallel()

	msg, err := sip.Parse([]byte(inviteRaw))
	if err != nil {
		t.Fatalf("sip.Parse() error = %v, want nil", err)
	}
	req, ok := msg.(*sip.Request)
	if !ok {
		t.Fatalf("sip.Parse() = %T, want *sip.Request", msg)
	}
	if req.Method != sip.INVITE || req.URI != "sip:bob@example.com" {
		t.Errorf("start line = %q, want INVITE sip:bob@example.com", req.StartLine())
	}
	if got := string(req.Body); got != "body" {
		t.Errorf("req.Body = %q, want %q", got, "body")
	}
	if got := sip.CallID(req); got != "call-1" {
		t.Errorf("sip.CallID() = %q, want %q", got, "call-1")
	}
	if got, _ := req.Header.Get("subject"); got != "long folded" {
		t.Errorf("Subject = %q, want %q", got, "long folded")
	}

	via, err := sip.TopVia(req)
	if err != nil {
		t.Fatalf("sip.TopVia() error = %v, want nil", err)
	}
	wantVia := sip.Via{
		Transport: "UDP",
		Host:      "10.0.0.1",
		Port:      5060,
		Params:    map[string]string{"branch": "z9hG4bK1", "rport": ""},
	}
	if diff := cmp.Diff(via, wantVia); diff != "" {
		t.Errorf("sip.TopVia() mismatch (-got +want):\n%s", diff)
	}

	cseq, err := sip.GetCSeq(req)
	if err != nil {
		t.Fatalf("sip.GetCSeq() error = %v, want nil", err)
	}
	if cseq != (sip.CSeq{Seq: 1, Method: sip.INVITE}) {
		t.Errorf("sip.GetCSeq() = %+v, want 1 INVITE", cseq)
	}

	again, err := sip.Parse(req.Render())
	if err != nil {
		t.Fatalf("sip.Parse(rendered) error = %v, want nil", err)
	}
	if diff := cmp.Diff(again.Render(), req.Render()); diff != "" {
		t.Errorf("rendered message mismatch (-got +want):\n%s", diff)
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data string
	}{
		{"no terminator", "OPTIONS sip:a SIP/2.0\r\nVia: x"},
		{"bad start line", "HELLO\r\n\r\n"},
		{"bad status", "SIP/2.0 99 Nope\r\n\r\n"},
		{"short body", "OPTIONS sip:a SIP/2.0\r\nContent-Length: 10\r\n\r\nabc"},
		{"bad header", "OPTIONS sip:a SIP/2.0\r\nnocolon\r\n\r\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			_, err := sip.Parse([]byte(c.data))
			if !errors.Is(err, sip.ErrMalformedMessage) {
				t.Fatalf("sip.Parse() error = %v, want %v", err, sip.ErrMalformedMessage)
			}
			if !errors.Is(err, sip.ErrInvalidArgument) {
				t.Fatalf("sip.Parse() error = %v, want %v", err, sip.ErrInvalidArgument)
			}
		})
	}
}

func TestReadMessage(t *testing.T) {
	t.Parallel()

	res := sip.NewResponse(mustRequest(t), 200, "")
	stream := "\r\n" + string(res.Render()) + inviteRaw
	r := bufio.NewReader(strings.NewReader(stream))

	first, err := sip.ReadMessage(r)
	if err != nil {
		t.Fatalf("sip.ReadMessage() error = %v, want nil", err)
	}
	if got, ok := first.(*sip.Response); !ok || got.Status != 200 || got.Reason != "OK" {
		t.Fatalf("sip.ReadMessage() = %v, want 200 OK response", first.StartLine())
	}

	second, err := sip.ReadMessage(r)
	if err != nil {
		t.Fatalf("sip.ReadMessage() error = %v, want nil", err)
	}
	if got := string(second.Content()); got != "body" {
		t.Fatalf("second.Content() = %q, want %q", got, "body")
	}
}

func TestNewResponse(t *testing.T) {
	t.Parallel()

	req := mustRequest(t)
	res := sip.NewResponse(req, 486, "")
	if res.Reason != "Busy Here" {
		t.Errorf("res.Reason = %q, want %q", res.Reason, "Busy Here")
	}
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		if diff := cmp.Diff(res.Header.Values(name), req.Header.Values(name)); diff != "" {
			t.Errorf("%s mismatch (-got +want):\n%s", name, diff)
		}
	}

	ack := sip.NewAck(req, res)
	cseq, err := sip.GetCSeq(ack)
	if err != nil {
		t.Fatalf("sip.GetCSeq(ack) error = %v, want nil", err)
	}
	if cseq.Method != sip.ACK || cseq.Seq != 1 {
		t.Errorf("ack CSeq = %v, want 1 ACK", cseq)
	}
	via, _ := sip.TopVia(ack)
	if via.Branch() != "z9hG4bK1" {
		t.Errorf("ack branch = %q, want z9hG4bK1", via.Branch())
	}
}

func TestHeader_Set(t *testing.T) {
	t.Parallel()

	var h sip.Header
	h.Add("Via", "a")
	h.Add("To", "b")
	h.Add("v", "c")
	h.Set("VIA", "d")

	want := []sip.HeaderField{{Name: "Via", Value: "d"}, {Name: "To", Value: "b"}}
	if diff := cmp.Diff(h.Fields(), want); diff != "" {
		t.Errorf("h.Fields() mismatch (-got +want):\n%s", diff)
	}
}

func mustRequest(t *testing.T) *sip.Request {
	t.Helper()

	msg, err := sip.Parse([]byte(inviteRaw))
	if err != nil {
		t.Fatalf("sip.Parse() error = %v, want nil", err)
	}
	return msg.(*sip.Request) //nolint:forcetypeassert
}

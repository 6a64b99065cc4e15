package sip

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

// MaxMessageSize limits size of a message read from a stream.
const MaxMessageSize = 65535

// Parse parses a single complete message, e.g. a datagram payload.
// Body is limited by Content-Length when present.
func Parse(data []byte) (Message, error) {
	head, body, ok := bytes.Cut(data, []byte("\r\n\r\n"))
	if !ok {
		head, body, ok = bytes.Cut(data, []byte("\n\n"))
		if !ok {
			return nil, errtrace.Wrap(NewMalformedMessageError("missing header terminator"))
		}
	}

	msg, err := parseHead(string(head))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if n, ok, err := contentLength(msg); err != nil {
		return nil, errtrace.Wrap(err)
	} else if ok {
		if n > len(body) {
			return nil, errtrace.Wrap(NewMalformedMessageError("body is shorter than Content-Length %d", n))
		}
		body = body[:n]
	}
	setBody(msg, bytes.Clone(body))
	return msg, nil
}

// ReadMessage reads a message from a stream, Content-Length is mandatory for framing
// and treated as zero when missing.
// Leading empty lines are skipped.
func ReadMessage(r *bufio.Reader) (Message, error) {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	started := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && (started || line != "") {
				err = io.ErrUnexpectedEOF
			}
			return nil, errtrace.Wrap(err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if !started {
				continue
			}
			break
		}
		started = true
		if sb.Len()+len(line) > MaxMessageSize {
			return nil, errtrace.Wrap(ErrMessageTooLarge)
		}
		sb.WriteString(line)
	}

	msg, err := parseHead(sb.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	n, _, err := contentLength(msg)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if n > MaxMessageSize {
		return nil, errtrace.Wrap(ErrMessageTooLarge)
	}
	if n > 0 {
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, errtrace.Wrap(err)
		}
		setBody(msg, body)
	}
	return msg, nil
}

func parseHead(head string) (Message, error) {
	lines := strings.Split(strings.ReplaceAll(head, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return nil, errtrace.Wrap(NewMalformedMessageError("empty message"))
	}

	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	hdr := msg.Headers()
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if hdr.Len() == 0 {
				return nil, errtrace.Wrap(NewMalformedMessageError("unexpected continuation line"))
			}
			hdr.fields[len(hdr.fields)-1].Value += " " + strings.TrimSpace(line)
			continue
		}
		name, val, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errtrace.Wrap(NewMalformedMessageError("invalid header line %q", line))
		}
		hdr.Add(name, strings.TrimSpace(val))
	}
	return msg, nil
}

func parseStartLine(line string) (Message, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, ProtoVer+" ") {
		rest := strings.TrimPrefix(line, ProtoVer+" ")
		code, reason, _ := strings.Cut(rest, " ")
		status, err := strconv.Atoi(code)
		if err != nil || status < 100 || status > 699 {
			return nil, errtrace.Wrap(NewMalformedMessageError("invalid status code %q", code))
		}
		return &Response{Status: status, Reason: reason}, nil
	}

	parts := strings.Fields(line)
	if len(parts) != 3 || parts[2] != ProtoVer {
		return nil, errtrace.Wrap(NewMalformedMessageError("invalid start line %q", line))
	}
	return &Request{Method: util.UCase(parts[0]), URI: parts[1]}, nil
}

func contentLength(m Message) (int, bool, error) {
	v, ok := m.Headers().Get("Content-Length")
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false, errtrace.Wrap(NewMalformedMessageError("invalid Content-Length %q", v))
	}
	return n, true, nil
}

func setBody(m Message, body []byte) {
	switch m := m.(type) {
	case *Request:
		m.Body = body
	case *Response:
		m.Body = body
	}
}

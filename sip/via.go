package sip

import (
	"net"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

// MagicCookie prefixes branches of RFC 3261 compliant requests.
const MagicCookie = "z9hG4bK"

// Via is a single Via header value.
type Via struct {
	// Transport is the upper case transport token, e.g. UDP, TCP, WS.
	Transport string
	Host      string
	Port      uint16
	// Params holds parameters with lower case names and raw values.
	Params map[string]string
}

// Branch returns raw branch parameter.
func (v Via) Branch() string { return v.Params["branch"] }

func (v Via) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(ProtoVer)
	sb.WriteByte('/')
	sb.WriteString(v.Transport)
	sb.WriteByte(' ')
	if v.Port > 0 {
		sb.WriteString(net.JoinHostPort(v.Host, strconv.Itoa(int(v.Port))))
	} else {
		sb.WriteString(v.Host)
	}
	if b, ok := v.Params["branch"]; ok {
		sb.WriteString(";branch=")
		sb.WriteString(b)
	}
	for k, val := range v.Params {
		if k == "branch" {
			continue
		}
		sb.WriteByte(';')
		sb.WriteString(k)
		if val != "" {
			sb.WriteByte('=')
			sb.WriteString(val)
		}
	}
	return sb.String()
}

// ParseVia parses the first Via value from the header value,
// which can hold several comma separated values.
func ParseVia(s string) (Via, error) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)

	proto, rest, ok := strings.Cut(s, " ")
	if !ok {
		return Via{}, errtrace.Wrap(NewMalformedMessageError("invalid Via %q", s))
	}
	parts := strings.Split(proto, "/")
	if len(parts) != 3 || !util.EqFold(parts[0], "SIP") {
		return Via{}, errtrace.Wrap(NewMalformedMessageError("invalid Via protocol %q", proto))
	}

	var via Via
	via.Transport = util.UCase(strings.TrimSpace(parts[2]))
	sentBy, params, _ := strings.Cut(strings.TrimSpace(rest), ";")
	host, port, err := splitHostPort(strings.TrimSpace(sentBy))
	if err != nil {
		return Via{}, errtrace.Wrap(NewMalformedMessageError(err))
	}
	via.Host, via.Port = host, port

	via.Params = make(map[string]string)
	for p := range strings.SplitSeq(params, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, v, _ := strings.Cut(p, "=")
		via.Params[util.LCase(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return via, nil
}

func splitHostPort(s string) (string, uint16, error) {
	if s == "" {
		return "", 0, errtrace.Wrap(NewMalformedMessageError("empty sent-by"))
	}
	if strings.HasPrefix(s, "[") {
		if strings.HasSuffix(s, "]") {
			return s[1 : len(s)-1], 0, nil
		}
	} else if strings.Count(s, ":") != 1 {
		return s, 0, nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, errtrace.Wrap(err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, errtrace.Wrap(err)
	}
	return host, uint16(port), nil
}

// TopVia returns the top-most Via of the message.
func TopVia(m Message) (Via, error) {
	v, ok := m.Headers().Get("Via")
	if !ok {
		return Via{}, errtrace.Wrap(NewMalformedMessageError("missing Via header"))
	}
	return errtrace.Wrap2(ParseVia(v))
}

func branchOf(m Message) string {
	v, err := TopVia(m)
	if err != nil {
		return ""
	}
	return v.Branch()
}

// CSeq is a parsed CSeq header value.
type CSeq struct {
	Seq    uint32
	Method string
}

func (c CSeq) String() string { return strconv.FormatUint(uint64(c.Seq), 10) + " " + c.Method }

// ParseCSeq parses CSeq header value.
func ParseCSeq(s string) (CSeq, error) {
	num, method, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return CSeq{}, errtrace.Wrap(NewMalformedMessageError("invalid CSeq %q", s))
	}
	seq, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return CSeq{}, errtrace.Wrap(NewMalformedMessageError(err))
	}
	return CSeq{Seq: uint32(seq), Method: util.UCase(strings.TrimSpace(method))}, nil
}

// GetCSeq returns parsed CSeq of the message.
func GetCSeq(m Message) (CSeq, error) {
	v, ok := m.Headers().Get("CSeq")
	if !ok {
		return CSeq{}, errtrace.Wrap(NewMalformedMessageError("missing CSeq header"))
	}
	return errtrace.Wrap2(ParseCSeq(v))
}

// CallID returns Call-ID of the message or empty string.
func CallID(m Message) string {
	v, _ := m.Headers().Get("Call-ID")
	return strings.TrimSpace(v)
}

// MaxForwards returns Max-Forwards value, ok is false when the header is missing or invalid.
func MaxForwards(m Message) (int, bool) {
	v, ok := m.Headers().Get("Max-Forwards")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

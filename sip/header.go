package sip

import (
	"slices"
	"strings"

	"github.com/ghettovoice/sipcore/internal/util"
)

// HeaderField is a single header line.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields.
// Names are matched case-insensitively and compact forms are expanded.
type Header struct {
	fields []HeaderField
}

var compactNames = map[string]string{
	"v": "Via",
	"i": "Call-ID",
	"l": "Content-Length",
	"m": "Contact",
	"f": "From",
	"t": "To",
	"c": "Content-Type",
	"k": "Supported",
	"s": "Subject",
	"e": "Content-Encoding",
	"o": "Event",
	"r": "Refer-To",
}

var canonicalNames = map[string]string{
	"via":            "Via",
	"call-id":        "Call-ID",
	"cseq":           "CSeq",
	"content-length": "Content-Length",
	"contact":        "Contact",
	"from":           "From",
	"to":             "To",
	"content-type":   "Content-Type",
	"max-forwards":   "Max-Forwards",
	"route":          "Route",
	"record-route":   "Record-Route",
}

// CanonicName returns canonical form of the header name.
func CanonicName(name string) string {
	name = strings.TrimSpace(name)
	if full, ok := compactNames[util.LCase(name)]; ok {
		return full
	}
	if full, ok := canonicalNames[util.LCase(name)]; ok {
		return full
	}
	return name
}

// Add appends a header field.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{CanonicName(name), value})
}

// Prepend inserts a header field before all others.
func (h *Header) Prepend(name, value string) {
	h.fields = slices.Insert(h.fields, 0, HeaderField{CanonicName(name), value})
}

// Set replaces all fields with the name by a single field,
// keeping position of the first one.
func (h *Header) Set(name, value string) {
	name = CanonicName(name)
	out := make([]HeaderField, 0, len(h.fields)+1)
	set := false
	for _, f := range h.fields {
		if util.EqFold(f.Name, name) {
			if set {
				continue
			}
			f.Value, set = value, true
		}
		out = append(out, f)
	}
	if !set {
		out = append(out, HeaderField{name, value})
	}
	h.fields = out
}

// Get returns the first value of the named header.
func (h *Header) Get(name string) (string, bool) {
	name = CanonicName(name)
	for _, f := range h.fields {
		if util.EqFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns all values of the named header in order.
func (h *Header) Values(name string) []string {
	name = CanonicName(name)
	var vals []string
	for _, f := range h.fields {
		if util.EqFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Del removes all fields with the name.
func (h *Header) Del(name string) {
	name = CanonicName(name)
	h.fields = slices.DeleteFunc(h.fields, func(f HeaderField) bool { return util.EqFold(f.Name, name) })
}

// Fields returns the header fields in order.
func (h *Header) Fields() []HeaderField { return slices.Clone(h.fields) }

// Len returns number of header fields.
func (h *Header) Len() int { return len(h.fields) }

// Clone returns a deep copy of the header.
func (h *Header) Clone() Header { return Header{fields: slices.Clone(h.fields)} }

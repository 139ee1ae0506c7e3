// Package mimeparse implements the RFC 5322 / RFC 2045 message parser used
// to inspect a mail body received during DATA: header folding and comment
// stripping, the mandatory-header check, and recursive multipart and
// message/rfc822 descent.
package mimeparse

import "strings"

// Header is one unfolded, comment-stripped header field. Name is stored
// lowercased for case-insensitive lookup; the original casing is not kept,
// matching the session engine's use of headers (routing decisions, not
// re-serialization of the original bytes).
type Header struct {
	Name  string
	Value string
}

// Mail is a fully parsed top-level message: the 5322 headers plus its body,
// which is either unstructured text or a parsed MIME tree.
type Mail struct {
	Headers []Header
	Body    Body
}

// BodyKind tags Body's variant.
type BodyKind int

const (
	BodyRegular BodyKind = iota
	BodyMime
	BodyUndefined
)

// Body is the tagged union of a message body: plain text lines, a parsed
// MIME part (when Content-Type says so), or Undefined before any body has
// been attached.
type Body struct {
	Kind  BodyKind
	Lines []string // valid when Kind == BodyRegular
	Mime  *MimePart // valid when Kind == BodyMime
}

// MimePart is one node of a multipart tree, or the sole node of a
// non-multipart body reached via Body.Mime.
type MimePart struct {
	Headers []MimeHeader
	Content MimeContent
}

// MimeHeader is a MIME entity header: a bare value plus the ;-separated
// parameter list (e.g. "boundary", "charset").
type MimeHeader struct {
	Name   string
	Value  string
	Params map[string]string
}

// MimeContentKind tags MimeContent's variant.
type MimeContentKind int

const (
	MimeRegular MimeContentKind = iota
	MimeMultipart
	MimeEmbedded
)

// MimeContent is the tagged union of a MIME part's content.
type MimeContent struct {
	Kind MimeContentKind

	Lines []string // valid when Kind == MimeRegular

	// valid when Kind == MimeMultipart
	Preamble string
	Parts    []MimePart
	Epilogue string

	// valid when Kind == MimeEmbedded (Content-Type: message/rfc822)
	Embedded *Mail
}

// HeaderValue returns the first header named name (case-insensitive), and
// whether it was present at all.
func (m *Mail) HeaderValue(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// HeaderValues returns every header named name (case-insensitive), in
// document order.
func (m *Mail) HeaderValues(name string) []string {
	name = strings.ToLower(name)
	var out []string
	for _, h := range m.Headers {
		if h.Name == name {
			out = append(out, h.Value)
		}
	}
	return out
}

// PrependHeader inserts a header at the top of the parsed message's header
// list; the name is stored lower-cased.
func (m *Mail) PrependHeader(name, value string) {
	m.Headers = append([]Header{{Name: strings.ToLower(name), Value: value}}, m.Headers...)
}

func mimeHeaderValue(headers []MimeHeader, name string) (MimeHeader, bool) {
	name = strings.ToLower(name)
	for _, h := range headers {
		if strings.ToLower(h.Name) == name {
			return h, true
		}
	}
	return MimeHeader{}, false
}

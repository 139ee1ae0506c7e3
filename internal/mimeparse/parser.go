package mimeparse

import "strings"

// maxRecursionDepth bounds the multipart/message-rfc822 descent so a
// maliciously crafted or corrupt message cannot exhaust the stack.
const maxRecursionDepth = 64

// Parse parses a complete RFC 5322 message: headers, then a body dispatched
// on Content-Type (plain text, multipart, or an embedded message/rfc822).
func Parse(data []byte) (*Mail, error) {
	lines := splitLines(data)
	if len(lines) == 0 {
		return nil, errf(ErrInvalidInput, "empty message")
	}

	headers, bodyStart, err := parseHeaderBlock(lines)
	if err != nil {
		return nil, err
	}
	if err := requireMandatoryHeaders(headers); err != nil {
		return nil, err
	}

	bodyLines := lines[bodyStart:]

	ct, params := "", map[string]string(nil)
	for _, h := range headers {
		if h.Name == "content-type" {
			ct, params = parseMimeHeaderValue(h.Value)
		}
	}

	body, err := parseBody(ct, params, bodyLines, false, 0)
	if err != nil {
		return nil, err
	}

	return &Mail{Headers: headers, Body: body}, nil
}

// parseBody dispatches on the (already-parsed) content-type/params of the
// enclosing entity and produces the Body tagged union used at the Mail
// (top) level. digestDefault is true when the *enclosing* multipart is
// multipart/digest, per RFC 2046 §5.1.5 changing the implicit default
// content-type of an untyped part from text/plain to message/rfc822.
func parseBody(ct string, params map[string]string, lines []string, digestDefault bool, depth int) (Body, error) {
	if ct == "" {
		if digestDefault {
			ct = "message/rfc822"
		} else {
			ct = "text/plain"
		}
	}

	switch {
	case strings.HasPrefix(ct, "multipart/"):
		if depth >= maxRecursionDepth {
			return Body{}, errf(ErrInvalidMail, "multipart recursion too deep")
		}
		boundary, ok := params["boundary"]
		if !ok || boundary == "" {
			return Body{}, errf(ErrBoundaryNotFound, "multipart entity without boundary parameter")
		}
		preamble, parts, epilogue, err := parseMultipart(lines, boundary, ct == "multipart/digest", depth+1)
		if err != nil {
			return Body{}, err
		}
		return Body{Kind: BodyMime, Mime: &MimePart{
			Content: MimeContent{Kind: MimeMultipart, Preamble: preamble, Parts: parts, Epilogue: epilogue},
		}}, nil

	case ct == "message/rfc822":
		if depth >= maxRecursionDepth {
			return Body{}, errf(ErrInvalidMail, "message/rfc822 recursion too deep")
		}
		embedded, err := parseEmbedded(lines, depth+1)
		if err != nil {
			return Body{}, err
		}
		return Body{Kind: BodyMime, Mime: &MimePart{
			Content: MimeContent{Kind: MimeEmbedded, Embedded: embedded},
		}}, nil

	default:
		return Body{Kind: BodyRegular, Lines: lines}, nil
	}
}

// parseEmbedded parses a message/rfc822 part's bytes as a full nested Mail.
func parseEmbedded(lines []string, depth int) (*Mail, error) {
	headers, bodyStart, err := parseHeaderBlock(lines)
	if err != nil {
		return nil, err
	}

	bodyLines := lines[bodyStart:]
	ct, params := "", map[string]string(nil)
	for _, h := range headers {
		if h.Name == "content-type" {
			ct, params = parseMimeHeaderValue(h.Value)
		}
	}

	body, err := parseBody(ct, params, bodyLines, false, depth)
	if err != nil {
		return nil, err
	}
	return &Mail{Headers: headers, Body: body}, nil
}

// parseMultipart splits lines on the RFC 2046 boundary delimiter into a
// preamble, a sequence of parts, and an epilogue. A multipart body missing
// its closing delimiter line ("--boundary--") is a MisplacedBoundary error,
// whether or not an opening delimiter appeared.
func parseMultipart(lines []string, boundary string, digestDefault bool, depth int) (preamble string, parts []MimePart, epilogue string, err error) {
	open := "--" + boundary
	closeDelim := open + "--"

	var preambleLines, epilogueLines []string
	var partLines []string
	state := 0 // 0=preamble, 1=in a part, 2=epilogue
	sawClose := false

	flushPart := func() error {
		part, perr := parseMimePart(partLines, digestDefault, depth)
		if perr != nil {
			return perr
		}
		parts = append(parts, *part)
		partLines = nil
		return nil
	}

	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		switch {
		case trimmed == closeDelim:
			if state == 1 {
				if err := flushPart(); err != nil {
					return "", nil, "", err
				}
			}
			state = 2
			sawClose = true
		case trimmed == open:
			if state == 1 {
				if err := flushPart(); err != nil {
					return "", nil, "", err
				}
			}
			state = 1
		default:
			switch state {
			case 0:
				preambleLines = append(preambleLines, line)
			case 1:
				partLines = append(partLines, line)
			case 2:
				epilogueLines = append(epilogueLines, line)
			}
		}
	}

	if !sawClose {
		return "", nil, "", errf(ErrMisplacedBoundary, "no closing delimiter for boundary %q", boundary)
	}

	return strings.Join(preambleLines, "\n"), parts, strings.Join(epilogueLines, "\n"), nil
}

// parseMimeHeaderBlock is parseHeaderBlock's MIME-aware counterpart: each
// header's value is further split into a bare value and its ;-separated
// parameters (needed for Content-Type's boundary/charset).
func parseMimeHeaderBlock(lines []string) ([]MimeHeader, int, error) {
	plain, bodyStart, err := parseHeaderBlock(lines)
	if err != nil {
		return nil, 0, err
	}
	out := make([]MimeHeader, 0, len(plain))
	for _, h := range plain {
		value, params := parseMimeHeaderValue(h.Value)
		out = append(out, MimeHeader{Name: h.Name, Value: value, Params: params})
	}
	return out, bodyStart, nil
}

// parseMimePart parses one multipart child: its own header block plus a
// body dispatched the same way as the top level, except the implicit
// default content-type depends on the enclosing multipart's subtype
// (digestDefault).
func parseMimePart(lines []string, digestDefault bool, depth int) (*MimePart, error) {
	headers, bodyStart, err := parseMimeHeaderBlock(lines)
	if err != nil {
		return nil, err
	}
	bodyLines := lines[bodyStart:]

	ct, params, _ := contentType(headers)
	body, err := parseBody(ct, params, bodyLines, digestDefault, depth)
	if err != nil {
		return nil, err
	}

	return &MimePart{Headers: headers, Content: body.toMimeContent()}, nil
}

// toMimeContent adapts the Body tagged union (used at the Mail level) to
// the MimeContent tagged union (used below the top level): a Regular body
// becomes Lines directly, while a parsed Mime body's inner MimeContent is
// hoisted up a level so MimePart never nests an extra indirection.
func (b Body) toMimeContent() MimeContent {
	if b.Kind == BodyRegular {
		return MimeContent{Kind: MimeRegular, Lines: b.Lines}
	}
	return b.Mime.Content
}

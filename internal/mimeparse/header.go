package mimeparse

import "strings"

// splitLines splits raw message bytes into logical lines on CRLF or bare
// LF, without the terminator. A message with no trailing terminator keeps
// its last line.
func splitLines(data []byte) []string {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// parseHeaderBlock consumes lines from the top of a message/part, honoring
// RFC 5322 folding (a line starting with SP/HTAB continues the previous
// header), and returns the parsed headers along with the index of the
// first body line (the line after the blank separator, or len(lines) if
// there was no blank line - an unterminated header block is tolerated the
// same way most receiving MTAs tolerate a truncated DATA segment).
func parseHeaderBlock(lines []string) ([]Header, int, error) {
	var headers []Header
	var cur *strings.Builder
	var curName string

	flush := func() error {
		if cur == nil {
			return nil
		}
		val, err := stripComments(cur.String())
		if err != nil {
			return err
		}
		headers = append(headers, Header{Name: strings.ToLower(curName), Value: val})
		cur = nil
		return nil
	}

	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}

		if (line[0] == ' ' || line[0] == '\t') && cur != nil {
			cur.WriteByte(' ')
			cur.WriteString(strings.TrimLeft(line, " \t"))
			continue
		}

		if err := flush(); err != nil {
			return nil, 0, err
		}

		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return nil, 0, errf(ErrInvalidMail, "malformed header line %q", line)
		}
		curName = strings.TrimSpace(line[:idx])
		if curName == "" {
			return nil, 0, errf(ErrInvalidMail, "empty header name in line %q", line)
		}
		cur = &strings.Builder{}
		cur.WriteString(strings.TrimSpace(line[idx+1:]))
	}

	if err := flush(); err != nil {
		return nil, 0, err
	}

	return headers, i, nil
}

// requireMandatoryHeaders enforces spec.md §4.1's minimal header set: the
// message must at least identify a Date and a From. Receiving MTAs that
// accept headerless DATA segments exist, but this parser is used after the
// policy PreQ stage has already had a chance to accept or refuse the
// message, so by the time mimeparse.Parse runs we hold senders to the RFC.
func requireMandatoryHeaders(headers []Header) error {
	var hasFrom, hasDate bool
	for _, h := range headers {
		switch h.Name {
		case "from":
			hasFrom = true
		case "date":
			hasDate = true
		}
	}
	if !hasFrom {
		return errf(ErrMandatoryHeadersNotFound, "From")
	}
	if !hasDate {
		return errf(ErrMandatoryHeadersNotFound, "Date")
	}
	return nil
}

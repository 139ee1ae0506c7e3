// Package rfc2822date formats timestamps the way RFC 5322 §3.3 (still
// widely called "RFC 2822 date" in the wild) requires for a Date: header
// and for the mbox "From " delimiter line.
package rfc2822date

import "time"

// layout is the same as time.RFC1123Z, matching RFC 5322
// exactly ("Mon, 02 Jan 2006 15:04:05 -0700").
const layout = "Mon, 02 Jan 2006 15:04:05 -0700"

// Format renders t in RFC 5322 date-time form, for use in a Date: header.
func Format(t time.Time) string {
	return t.Format(layout)
}

// mboxLayout has no comma and no zone offset, matching the traditional
// mbox "From " delimiter's ctime-style timestamp.
const mboxLayout = "Mon Jan _2 15:04:05 2006"

// FormatMbox renders t the way the mbox "From <sender> <date>" delimiter
// line expects it.
func FormatMbox(t time.Time) string {
	return t.Format(mboxLayout)
}

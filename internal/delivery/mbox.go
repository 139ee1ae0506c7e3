package delivery

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vsmtp/vsmtp-go/internal/rfc2822date"
)

// appendMbox appends raw (a full RFC 5322 message) to <mboxDir>/<localPart>
// in mbox format: a "From <sender> <date>" delimiter line, the message
// with any leading "From " lines escaped per the mboxrd convention, and a
// trailing blank line. The file is then chowned to the recipient's UID
// (spec.md §4.7's open question: the same UID is used for both owner and
// group, see DESIGN.md).
func appendMbox(mboxDir, localPart, sender string, raw []byte, now time.Time) error {
	if err := os.MkdirAll(mboxDir, 0o755); err != nil {
		return fmt.Errorf("delivery: creating mbox dir %s: %w", mboxDir, err)
	}
	path := filepath.Join(mboxDir, localPart)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("delivery: opening mbox %s: %w", path, err)
	}
	defer f.Close()

	delim := fmt.Sprintf("From %s %s\n", sender, rfc2822date.FormatMbox(now))
	if _, err := f.WriteString(delim); err != nil {
		return fmt.Errorf("delivery: writing mbox delimiter for %s: %w", localPart, err)
	}
	if _, err := f.Write(escapeMboxFromLines(raw)); err != nil {
		return fmt.Errorf("delivery: writing mbox body for %s: %w", localPart, err)
	}
	if _, err := f.WriteString("\n"); err != nil {
		return fmt.Errorf("delivery: writing mbox trailer for %s: %w", localPart, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("delivery: syncing mbox %s: %w", localPart, err)
	}

	// The message is durably written at this point; a chown failure (e.g.
	// no matching system account) is reported to the caller for logging
	// but does not undo the delivery.
	return chownErr(chownToLocalUser(path, localPart))
}

// chownErr wraps a chown failure so callers can distinguish it from a
// write failure without treating it as delivery failure.
type chownWarning struct{ cause error }

func (w *chownWarning) Error() string { return w.cause.Error() }
func (w *chownWarning) Unwrap() error { return w.cause }

func chownErr(err error) error {
	if err == nil {
		return nil
	}
	return &chownWarning{cause: err}
}

// isChownWarning reports whether err originated from a post-write chown
// failure, which worker.go treats as a successful delivery with a
// logged warning rather than a transient failure to retry.
func isChownWarning(err error) bool {
	_, ok := err.(*chownWarning)
	return ok
}

// escapeMboxFromLines prefixes a ">" onto any body line that would
// otherwise be misread as a new mbox delimiter, the mboxrd convention.
func escapeMboxFromLines(raw []byte) []byte {
	lines := strings.Split(string(raw), "\n")
	for i, l := range lines {
		trimmed := strings.TrimRight(l, "\r")
		rest := trimmed
		for strings.HasPrefix(rest, ">") {
			rest = rest[1:]
		}
		if strings.HasPrefix(rest, "From ") {
			lines[i] = ">" + l
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

// chownToLocalUser resolves localPart as a system account name and chowns
// path to that account's UID, used for both owner and group (the Open
// Question resolution recorded in DESIGN.md). A lookup failure is not
// fatal to the delivery itself - the message is already durably written -
// but is reported so the caller can log it.
func chownToLocalUser(path, localPart string) error {
	u, err := user.Lookup(localPart)
	if err != nil {
		return fmt.Errorf("delivery: resolving system account %q: %w", localPart, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("delivery: parsing uid for %q: %w", localPart, err)
	}
	if err := os.Chown(path, uid, uid); err != nil {
		return fmt.Errorf("delivery: chown %s to %q: %w", path, localPart, err)
	}
	return nil
}

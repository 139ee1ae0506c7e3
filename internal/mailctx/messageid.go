package mailctx

import (
	"os"
	"strconv"
	"time"
)

// NewMessageID builds a message_id in the {mail-ts-nanos}{connection-ts-nanos}{process-id}
// format: unique within a single process run (per spec.md §9's explicit
// decision not to guarantee uniqueness across a restart within the same
// nanosecond).
func NewMessageID(mailTimestamp, connectionTimestamp time.Time) string {
	return strconv.FormatInt(mailTimestamp.UnixNano(), 10) +
		strconv.FormatInt(connectionTimestamp.UnixNano(), 10) +
		strconv.Itoa(os.Getpid())
}

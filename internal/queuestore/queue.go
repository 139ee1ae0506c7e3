package queuestore

import (
	"fmt"
	"strings"
)

// Queue names one of the durable on-disk queues under the spool root.
// Quarantine queues are named "quarantine/<name>"; every other queue is a
// fixed, flat name.
type Queue string

const (
	Working  Queue = "working"
	Deliver  Queue = "deliver"
	Deferred Queue = "deferred"
	Dead     Queue = "dead"
)

const quarantinePrefix = "quarantine/"

// QuarantineQueue builds the Queue value for a named quarantine bucket,
// validating that name is path-safe (no separators, no leading dot, no
// empty string) before it is ever used to build a filesystem path.
func QuarantineQueue(name string) (Queue, error) {
	if err := ValidQuarantineName(name); err != nil {
		return "", err
	}
	return Queue(quarantinePrefix + name), nil
}

// ValidQuarantineName rejects anything that is not a single, plain path
// component: no "/", no "..", no leading ".", not empty.
func ValidQuarantineName(name string) error {
	if name == "" {
		return fmt.Errorf("queuestore: empty quarantine name")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("queuestore: quarantine name %q contains a path separator", name)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("queuestore: quarantine name %q is not path-safe", name)
	}
	return nil
}

// relPath returns the queue's path relative to the spool root, using
// filepath-safe forward slashes that filepath.FromSlash understands on any
// platform.
func (q Queue) relPath() string {
	return string(q)
}

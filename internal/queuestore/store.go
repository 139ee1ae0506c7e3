// Package queuestore implements the durable on-disk queue set the session
// engine, post-queue worker, and delivery worker hand messages through:
// working, deliver, deferred, dead, and quarantine/<name>. Every write is
// temp-file-then-rename so a crash never leaves a partially written queue
// file behind.
package queuestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/vsmtp/vsmtp-go/internal/mailctx"
)

// Store is a durable queue set rooted at a single spool directory.
type Store struct {
	Root string
}

// New returns a Store rooted at root. root is not created here; ToPath
// creates each queue's subdirectory lazily on first use.
func New(root string) *Store {
	return &Store{Root: root}
}

// ToPath returns the absolute directory for q, creating it (and any
// missing parent, notably quarantine/) if it does not yet exist.
func (s *Store) ToPath(q Queue) (string, error) {
	dir := filepath.Join(s.Root, filepath.FromSlash(q.relPath()))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("queuestore: creating %s: %w", dir, err)
	}
	return dir, nil
}

// Enqueue atomically creates or overwrites <spool>/<queue>/<id> with the
// JSON encoding of ctx. The write goes to a uuid-suffixed temp file in the
// same directory (so the final rename is same-filesystem and therefore
// atomic) and is renamed into place only after a successful write and
// fsync.
func (s *Store) Enqueue(q Queue, id string, ctx *mailctx.MailContext) error {
	dir, err := s.ToPath(q)
	if err != nil {
		return err
	}

	data, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("queuestore: marshaling %s/%s: %w", q, id, err)
	}

	tmpName := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", id, uuid.NewString()))
	f, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("queuestore: creating temp file for %s/%s: %w", q, id, err)
	}
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("queuestore: writing %s/%s: %w", q, id, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("queuestore: syncing %s/%s: %w", q, id, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("queuestore: closing %s/%s: %w", q, id, err)
	}

	finalName := filepath.Join(dir, id)
	if err := os.Rename(tmpName, finalName); err != nil {
		return fmt.Errorf("queuestore: committing %s/%s: %w", q, id, err)
	}
	return nil
}

// List returns the message_ids present in q, in no particular order.
// Leftover temp files (dot-prefixed, from an interrupted Enqueue) are
// filtered out.
func (s *Store) List(q Queue) ([]string, error) {
	dir, err := s.ToPath(q)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("queuestore: listing %s: %w", q, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || len(name) == 0 || name[0] == '.' || filepath.Ext(name) == ".reason" {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// Read deserializes the context stored at <queue>/<id>.
func (s *Store) Read(q Queue, id string) (*mailctx.MailContext, error) {
	dir, err := s.ToPath(q)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Queue: q, ID: id}
		}
		return nil, fmt.Errorf("queuestore: reading %s/%s: %w", q, id, err)
	}

	var ctx mailctx.MailContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, &CorruptError{Queue: q, ID: id, Cause: err}
	}
	return &ctx, nil
}

// Move atomically renames id from one queue to another within the same
// spool root. The destination directory is created if necessary. Move is
// the only coordination primitive between workers: a message_id is
// processed by at most one stage at a time because it lives in exactly one
// directory, and os.Rename within one filesystem is atomic.
func (s *Store) Move(from, to Queue, id string) error {
	fromDir, err := s.ToPath(from)
	if err != nil {
		return err
	}
	toDir, err := s.ToPath(to)
	if err != nil {
		return err
	}

	src := filepath.Join(fromDir, id)
	dst := filepath.Join(toDir, id)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{Queue: from, ID: id}
		}
		return fmt.Errorf("queuestore: moving %s/%s to %s: %w", from, id, to, err)
	}
	return nil
}

// Remove deletes <queue>/<id>. A missing file is not an error: Remove is
// used for idempotent cleanup (e.g. after a commit channel backpressure
// rollback) where the file may legitimately never have existed.
func (s *Store) Remove(q Queue, id string) error {
	dir, err := s.ToPath(q)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queuestore: removing %s/%s: %w", q, id, err)
	}
	return nil
}

// MoveToDead moves id from the given source queue to dead and writes a
// sidecar "<id>.reason" file recording why. The sidecar is the operator-
// facing failure notification named in spec.md §7 ("a Dead-queue file IS
// the delivery failure notification").
func (s *Store) MoveToDead(from Queue, id, reason string) error {
	if err := s.Move(from, Dead, id); err != nil {
		return err
	}
	deadDir, err := s.ToPath(Dead)
	if err != nil {
		return err
	}
	reasonPath := filepath.Join(deadDir, id+".reason")
	if err := os.WriteFile(reasonPath, []byte(reason+"\n"), 0o640); err != nil {
		return fmt.Errorf("queuestore: writing reason sidecar for %s: %w", id, err)
	}
	return nil
}

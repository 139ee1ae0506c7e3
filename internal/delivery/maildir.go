package delivery

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
)

// writeMaildir writes raw into <maildirRoot>/<localPart>/Maildir/new/<id>,
// fsynced, then chowns the file to the recipient's UID for both owner and
// group (spec.md §4.7's open question, see DESIGN.md).
func writeMaildir(maildirRoot, localPart, id string, raw []byte) error {
	dir := filepath.Join(maildirRoot, localPart, "Maildir", "new")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("delivery: creating maildir %s: %w", dir, err)
	}
	path := filepath.Join(dir, id)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("delivery: creating maildir entry %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("delivery: writing maildir entry %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("delivery: syncing maildir entry %s: %w", path, err)
	}

	return chownErr(chownMaildirToLocalUser(path, localPart))
}

func chownMaildirToLocalUser(path, localPart string) error {
	u, err := user.Lookup(localPart)
	if err != nil {
		return fmt.Errorf("delivery: resolving system account %q: %w", localPart, err)
	}
	var uid int
	if _, err := fmt.Sscanf(u.Uid, "%d", &uid); err != nil {
		return fmt.Errorf("delivery: parsing uid for %q: %w", localPart, err)
	}
	if err := os.Chown(path, uid, uid); err != nil {
		return fmt.Errorf("delivery: chown %s to %q: %w", path, localPart, err)
	}
	return nil
}

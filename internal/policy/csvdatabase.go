package policy

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// CsvDatabase is the reference app.services.<name> "CsvDatabase{path,
// access, delimiter, refresh}" backend from spec.md §6: a flat authid,
// bcrypt-hash file reloaded on Refresh, used by a policy implementation's
// SASLValidate. Each row is "authid<delimiter>bcrypt_hash".
type CsvDatabase struct {
	Path      string
	Delimiter rune
	Refresh   time.Duration

	mu       sync.RWMutex
	hashes   map[string]string
	loadedAt time.Time
}

func NewCsvDatabase(path string, delimiter rune, refresh time.Duration) *CsvDatabase {
	if delimiter == 0 {
		delimiter = ','
	}
	return &CsvDatabase{Path: path, Delimiter: delimiter, Refresh: refresh}
}

func (d *CsvDatabase) reloadLocked() error {
	f, err := os.Open(d.Path)
	if err != nil {
		return fmt.Errorf("policy: opening csv database %s: %w", d.Path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = d.Delimiter
	r.FieldsPerRecord = 2

	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("policy: parsing csv database %s: %w", d.Path, err)
	}

	hashes := make(map[string]string, len(rows))
	for _, row := range rows {
		hashes[row[0]] = row[1]
	}
	d.hashes = hashes
	d.loadedAt = time.Now()
	return nil
}

func (d *CsvDatabase) ensureFresh() error {
	d.mu.RLock()
	stale := d.hashes == nil || (d.Refresh > 0 && time.Since(d.loadedAt) > d.Refresh)
	d.mu.RUnlock()
	if !stale {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hashes != nil && d.Refresh > 0 && time.Since(d.loadedAt) <= d.Refresh {
		return nil // someone else refreshed while we waited for the lock
	}
	return d.reloadLocked()
}

// Validate reports whether pass matches the bcrypt hash on file for authID.
// A missing authID is a plain false, not an error, matching
// Policy.SASLValidate's Accept/Deny (never Fail) contract.
func (d *CsvDatabase) Validate(authID, pass string) (bool, error) {
	if err := d.ensureFresh(); err != nil {
		return false, err
	}
	d.mu.RLock()
	hash, ok := d.hashes[authID]
	d.mu.RUnlock()
	if !ok {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass))
	return err == nil, nil
}

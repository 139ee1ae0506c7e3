package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vsmtp/vsmtp-go/internal/dnsresolve"
	"github.com/vsmtp/vsmtp-go/internal/mailctx"
	"github.com/vsmtp/vsmtp-go/internal/vlog"
)

// Hooks bundles the capability surface a policy implementation may use
// while it runs: logging, a context dump, subprocess services, DNS, and
// nothing else - policy never reaches into the session engine directly.
type Hooks struct {
	Log      vlog.Logger
	AppDir   string // base directory for DumpContext
	Resolver dnsresolve.Resolver
	Services map[string]*ShellService
}

// DumpContext writes mc as indented JSON under <AppDir>/dumps/<name>.json,
// the capability spec.md §4.5 calls "dump the context to a file under the
// app directory".
func (h *Hooks) DumpContext(mc *mailctx.MailContext, name string) error {
	dir := filepath.Join(h.AppDir, "dumps")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("policy: creating dump dir: %w", err)
	}
	data, err := json.MarshalIndent(mc, "", "  ")
	if err != nil {
		return fmt.Errorf("policy: marshaling dump for %s: %w", name, err)
	}
	return os.WriteFile(filepath.Join(dir, name+".json"), data, 0o640)
}

// RunService runs the named configured ShellService with args, returning
// its stdout and stderr combined into one buffer.
func (h *Hooks) RunService(ctx context.Context, name string, args []string) ([]byte, error) {
	svc, ok := h.Services[name]
	if !ok {
		return nil, fmt.Errorf("policy: no service named %q configured", name)
	}
	return svc.Run(ctx, args)
}

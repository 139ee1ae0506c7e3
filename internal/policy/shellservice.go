package policy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"
)

// ShellService runs a configured external command with a bounded timeout
// and, when User/Group are set, as that unprivileged account - the
// app.services.<name> "ShellService{timeout,user?,group?,command,args?}"
// variant from spec.md §6. It is how a policy implementation performs the
// "run a configured subprocess service with a timeout" capability without
// the session or worker ever shelling out directly.
type ShellService struct {
	Command string
	Args    []string
	Timeout time.Duration
	User    string
	Group   string
}

// Run executes the service with extraArgs appended after the configured
// Args, killing the process if it outlives Timeout.
func (s *ShellService) Run(ctx context.Context, extraArgs []string) ([]byte, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, 0, len(s.Args)+len(extraArgs))
	args = append(args, s.Args...)
	args = append(args, extraArgs...)

	cmd := exec.CommandContext(ctx, s.Command, args...)

	if s.User != "" {
		cred, err := credentialFor(s.User, s.Group)
		if err != nil {
			return nil, fmt.Errorf("policy: resolving service credential: %w", err)
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out.Bytes(), fmt.Errorf("policy: service %s timed out after %s", s.Command, timeout)
		}
		return out.Bytes(), fmt.Errorf("policy: service %s: %w", s.Command, err)
	}
	return out.Bytes(), nil
}

// credentialFor resolves userName (and optional groupName) to a
// syscall.Credential for privilege drop, the way a setuid-root service
// manager would before exec'ing an unprivileged helper.
func credentialFor(userName, groupName string) (*syscall.Credential, error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return nil, fmt.Errorf("looking up user %q: %w", userName, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing uid for %q: %w", userName, err)
	}

	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing gid for %q: %w", userName, err)
	}
	gid := uint32(gid64)

	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return nil, fmt.Errorf("looking up group %q: %w", groupName, err)
		}
		g64, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing gid for group %q: %w", groupName, err)
		}
		gid = uint32(g64)
	}

	return &syscall.Credential{Uid: uint32(uid), Gid: gid}, nil
}

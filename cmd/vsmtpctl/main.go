// Command vsmtpctl is the queue CLI (component J): operator-facing
// inspection and maintenance of the on-disk spool described in spec.md
// §4.9, built on urfave/cli/v2 the way cmd/imapsql-ctl is built on its v1
// ancestor in the example corpus.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/vsmtp/vsmtp-go/internal/config"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
)

// Exit codes per spec.md §4.9.
const (
	exitSuccess  = 0
	exitUsage    = 1
	exitIOError  = 2
	exitNotFound = 3
)

// exitError carries the exit code a failed command should terminate with,
// distinct from urfave/cli's own usage-error exit (also 1, so exitUsage
// needs no special casing here).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func usageErrorf(format string, args ...interface{}) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

func ioErrorf(format string, args ...interface{}) error {
	return &exitError{code: exitIOError, err: fmt.Errorf(format, args...)}
}

func notFoundErrorf(format string, args ...interface{}) error {
	return &exitError{code: exitNotFound, err: fmt.Errorf(format, args...)}
}

func openStore(c *cli.Context) (*queuestore.Store, error) {
	cfgPath := c.String("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, ioErrorf("loading %s: %w", cfgPath, err)
	}
	return queuestore.New(cfg.Server.Queues.DirPath), nil
}

func parseQueue(name string) (queuestore.Queue, error) {
	switch name {
	case string(queuestore.Working), string(queuestore.Deliver), string(queuestore.Deferred), string(queuestore.Dead):
		return queuestore.Queue(name), nil
	default:
		if q, err := queuestore.QuarantineQueue(name); err == nil {
			return q, nil
		}
		return "", usageErrorf("unknown queue %q (want working, deliver, deferred, dead, or a quarantine name)", name)
	}
}

func main() {
	app := &cli.App{
		Name:  "vsmtpctl",
		Usage: "inspect and maintain the vsmtp queue spool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the server TOML configuration",
				Value:   "/etc/vsmtp/vsmtp.toml",
				EnvVars: []string{"VSMTP_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			showCommand(),
			msgCommand(),
		},
		// Suppress urfave/cli's own error printing: every command here
		// returns an *exitError whose message main already prints with the
		// right exit code attached.
		ExitErrHandler: func(c *cli.Context, err error) {},
	}

	if err := app.Run(os.Args); err != nil {
		ee, ok := err.(*exitError)
		if !ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUsage)
		}
		fmt.Fprintln(os.Stderr, ee.err)
		os.Exit(ee.code)
	}
}

// confirm reads a single line from stdin and reports whether it was an
// affirmative response ("y" or "yes", case-insensitive).
func confirm(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch trimNewline(line) {
	case "y", "Y", "yes", "YES", "Yes":
		return true
	default:
		return false
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

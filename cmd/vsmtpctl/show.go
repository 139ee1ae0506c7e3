package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/vsmtp/vsmtp-go/internal/address"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
)

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "group a queue's entries by helo and print a summary table",
		ArgsUsage: "<queue>",
		Action:    runShow,
	}
}

type heloGroup struct {
	helo    string
	count   int
	rcpts   int
	heldBack int
}

func runShow(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return usageErrorf("show: expected exactly one queue name")
	}
	q, err := parseQueue(c.Args().First())
	if err != nil {
		return err
	}

	store, err := openStore(c)
	if err != nil {
		return err
	}

	ids, err := store.List(q)
	if err != nil {
		return ioErrorf("listing %s: %w", q, err)
	}

	groups := map[string]*heloGroup{}
	var corrupt int
	for _, id := range ids {
		mc, err := store.Read(q, id)
		if err != nil {
			if queuestore.IsNotFound(err) {
				continue // raced with a concurrent worker, not fatal
			}
			corrupt++
			continue
		}
		helo := mc.Envelope.Helo
		if helo == "" {
			helo = "(none)"
		}
		g, ok := groups[helo]
		if !ok {
			g = &heloGroup{helo: helo}
			groups[helo] = g
		}
		g.count++
		for _, r := range mc.Envelope.Rcpt {
			g.rcpts++
			if r.Status.Kind == address.StatusHeldBack {
				g.heldBack++
			}
		}
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "HELO\tMESSAGES\tRECIPIENTS\tHELD BACK\n")
	for _, name := range names {
		g := groups[name]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", g.helo, g.count, g.rcpts, g.heldBack)
	}
	w.Flush()

	if corrupt > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d entries in %s could not be read\n", corrupt, q)
	}
	return nil
}

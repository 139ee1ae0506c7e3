package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/vsmtp/vsmtp-go/internal/mailctx"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
)

func msgCommand() *cli.Command {
	return &cli.Command{
		Name:  "msg",
		Usage: "operate on a single queue entry",
		Subcommands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "dump a message's stored body or full context",
				ArgsUsage: "<queue> <id> {eml|json}",
				Action:    runMsgShow,
			},
			{
				Name:      "move",
				Usage:     "move a message to another queue",
				ArgsUsage: "<queue> <id> <target-queue>",
				Action:    runMsgMove,
			},
			{
				Name:      "remove",
				Usage:     "remove a message from a queue",
				ArgsUsage: "<queue> <id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Usage: "skip the confirmation prompt"},
				},
				Action: runMsgRemove,
			},
		},
	}
}

func runMsgShow(c *cli.Context) error {
	if c.Args().Len() != 3 {
		return usageErrorf("msg show: expected <queue> <id> {eml|json}")
	}
	queueArg, id, format := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)
	if format != "eml" && format != "json" {
		return usageErrorf("msg show: format must be %q or %q, got %q", "eml", "json", format)
	}

	q, err := parseQueue(queueArg)
	if err != nil {
		return err
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}

	mc, err := store.Read(q, id)
	if err != nil {
		if queuestore.IsNotFound(err) {
			return notFoundErrorf("msg show: %s/%s: not found", q, id)
		}
		return ioErrorf("msg show: %s/%s: %w", q, id, err)
	}

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(mc); err != nil {
			return ioErrorf("msg show: encoding %s/%s: %w", q, id, err)
		}
		return nil
	}

	if mc.Body.Kind == mailctx.BodyEmpty {
		return ioErrorf("msg show: %s/%s: no stored body", q, id)
	}
	fmt.Fprint(os.Stdout, mc.Body.Raw)
	return nil
}

func runMsgMove(c *cli.Context) error {
	if c.Args().Len() != 3 {
		return usageErrorf("msg move: expected <queue> <id> <target-queue>")
	}
	queueArg, id, targetArg := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)

	from, err := parseQueue(queueArg)
	if err != nil {
		return err
	}
	to, err := parseQueue(targetArg)
	if err != nil {
		return err
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}

	if err := store.Move(from, to, id); err != nil {
		if queuestore.IsNotFound(err) {
			return notFoundErrorf("msg move: %s/%s: not found", from, id)
		}
		return ioErrorf("msg move: %s/%s -> %s: %w", from, id, to, err)
	}
	fmt.Fprintf(os.Stdout, "moved %s/%s -> %s\n", from, id, to)
	return nil
}

func runMsgRemove(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return usageErrorf("msg remove: expected <queue> <id>")
	}
	queueArg, id := c.Args().Get(0), c.Args().Get(1)

	q, err := parseQueue(queueArg)
	if err != nil {
		return err
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}

	if _, err := store.Read(q, id); err != nil {
		if queuestore.IsNotFound(err) {
			return notFoundErrorf("msg remove: %s/%s: not found", q, id)
		}
		// a corrupt entry is still removable; only a NotFound blocks removal.
	}

	if !c.Bool("yes") {
		if !confirm(fmt.Sprintf("remove %s/%s? [y/N] ", q, id)) {
			fmt.Fprintln(os.Stdout, "aborted")
			return nil
		}
	}

	if err := store.Remove(q, id); err != nil {
		return ioErrorf("msg remove: %s/%s: %w", q, id, err)
	}
	fmt.Fprintf(os.Stdout, "removed %s/%s\n", q, id)
	return nil
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ggoodman/chat-server-go/chat"
)

type WatchCmd struct {
	flags *Flags

	history bool
}

// NewWatchCmd creates a new watch command
func NewWatchCmd(flags *Flags) *WatchCmd {
	return &WatchCmd{flags: flags}
}

// Register adds the watch command to the application
func (cmd *WatchCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "watch",
		Usage:     "Print messages as they are posted",
		UsageText: "chat watch [options]",
		Description: `Subscribe to messageAdded and print each new message until interrupted.

With --history the existing messages are printed first. Messages that
arrive both in the history and on the subscription are printed once.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "history",
				Usage:       "print existing messages before new ones",
				Destination: &cmd.history,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *WatchCmd) run(ctx context.Context, c *cli.Command) error {
	cl, err := cmd.flags.newClient()
	if err != nil {
		return err
	}
	defer cl.Close()

	p := &messagePrinter{out: c.Root().Writer, seen: make(map[string]struct{})}
	remove := cl.Replica().OnAdd(p.print)
	defer remove()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- cl.WatchMessages(ctx, nil) }()

	if cmd.history {
		msgs, err := cl.Messages(ctx)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		for _, m := range msgs {
			p.print(m)
		}
	}

	err = <-errc
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// messagePrinter prints each message id at most once; a message can reach
// the replica from both the history and the subscription.
type messagePrinter struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]struct{}
}

func (p *messagePrinter) print(m chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[m.ID]; ok {
		return
	}
	p.seen[m.ID] = struct{}{}
	_, _ = fmt.Fprintf(p.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.TimeOnly), m.From, m.Text)
}

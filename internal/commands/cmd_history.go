package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ggoodman/chat-server-go/chat"
)

type HistoryCmd struct {
	flags *Flags
}

// NewHistoryCmd creates a new history command
func NewHistoryCmd(flags *Flags) *HistoryCmd {
	return &HistoryCmd{flags: flags}
}

// Register adds the history command to the application
func (cmd *HistoryCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "history",
		Usage:     "List every message in creation order",
		UsageText: "chat history [options]",
		Action:    cmd.run,
	})

	return app
}

func (cmd *HistoryCmd) run(ctx context.Context, c *cli.Command) error {
	cl, err := cmd.flags.newClient()
	if err != nil {
		return err
	}
	defer cl.Close()

	msgs, err := cl.Messages(ctx)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	return printMessages(c.Root().Writer, msgs)
}

func printMessages(out io.Writer, msgs []chat.Message) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFROM\tTIME\tTEXT")
	for _, m := range msgs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.From, m.CreatedAt.Local().Format(time.DateTime), m.Text)
	}
	return w.Flush()
}

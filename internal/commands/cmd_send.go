package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"
)

type SendCmd struct {
	flags *Flags
}

// NewSendCmd creates a new send command
func NewSendCmd(flags *Flags) *SendCmd {
	return &SendCmd{flags: flags}
}

// Register adds the send command to the application
func (cmd *SendCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "send",
		Usage:     "Post a message",
		UsageText: "chat send [options] <text...>",
		Action:    cmd.run,
	})

	return app
}

func (cmd *SendCmd) run(ctx context.Context, c *cli.Command) error {
	text := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("message text is required")
	}

	cl, err := cmd.flags.newClient()
	if err != nil {
		return err
	}
	defer cl.Close()

	msg, err := cl.AddMessage(ctx, text)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	_, err = fmt.Fprintln(c.Root().Writer, msg.ID)
	return err
}

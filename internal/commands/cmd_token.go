package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
)

type TokenCmd struct {
	flags *Flags

	ttl time.Duration
}

// NewTokenCmd creates a new token command
func NewTokenCmd(flags *Flags) *TokenCmd {
	return &TokenCmd{flags: flags}
}

// Register adds the token command to the application
func (cmd *TokenCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "token",
		Usage:     "Mint a development access token",
		UsageText: "chat token [options] <user-id>",
		Description: `Sign an HS256 access token for <user-id> with the configured secret.

Only available when the server runs with auth mode "hmac".`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:        "ttl",
				Usage:       "token lifetime (default: auth.token_ttl from config)",
				Destination: &cmd.ttl,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *TokenCmd) run(_ context.Context, c *cli.Command) error {
	userID := c.Args().First()
	if userID == "" {
		return errors.New("user id is required")
	}

	ttl := cmd.ttl
	if ttl == 0 {
		ttl = cmd.flags.Config.Auth.TokenTTL
	}
	tok, err := cmd.flags.mintToken(userID, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.Root().Writer, tok)
	return err
}

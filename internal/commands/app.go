package commands

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"
)

// NewApp builds the root command with every subcommand registered.
func NewApp(version string) *cli.Command {
	flags := &Flags{}

	app := &cli.Command{
		Name:      "chat",
		Usage:     "Real-time chat server and client",
		UsageText: "chat [global options] command [command options]",
		Version:   version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("CHAT_CONFIG"),
				Value:       DefaultConfigPath(),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (text, json)",
				Destination: &flags.LogFormat,
			},
			&cli.StringFlag{
				Name:        "endpoint",
				Aliases:     []string{"e"},
				Usage:       "public chat endpoint URL",
				Destination: &flags.Endpoint,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "bearer token for client commands",
				Sources:     cli.EnvVars("CHAT_TOKEN"),
				Destination: &flags.Token,
			},
			&cli.StringFlag{
				Name:        "user",
				Aliases:     []string{"u"},
				Usage:       "mint a token for this user id with the configured HMAC secret",
				Sources:     cli.EnvVars("CHAT_USER"),
				Destination: &flags.User,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			return ctx, flags.Setup(os.Stderr, c.IsSet)
		},
	}

	app = NewServeCmd(flags).Register(app)
	app = NewTokenCmd(flags).Register(app)
	app = NewSendCmd(flags).Register(app)
	app = NewHistoryCmd(flags).Register(app)
	app = NewWatchCmd(flags).Register(app)

	return app
}

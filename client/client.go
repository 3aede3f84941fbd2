package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/chat-server-go/chat"
	"github.com/ggoodman/chat-server-go/operation"
)

// Config configures a Client.
type Config struct {
	// Endpoint is the chat endpoint, e.g. "http://localhost:9000/graphql".
	Endpoint string
	// Tokens supplies the bearer token for every operation.
	Tokens TokenSource
	// HTTPClient is used for request-class operations. Default: http.DefaultClient.
	HTTPClient *http.Client
	// Dialer is used for the streaming socket.
	Dialer *websocket.Dialer
	// Logger defaults to discarding.
	Logger *slog.Logger
}

// Client is a chat client keeping a local Replica in sync with the server.
type Client struct {
	router  *Router
	ws      *WSTransport
	replica *Replica
	log     *slog.Logger
}

// New creates a Client. No connection is made until the first operation.
func New(cfg Config) (*Client, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	httpT, err := NewHTTPTransport(cfg.Endpoint, cfg.HTTPClient, cfg.Tokens)
	if err != nil {
		return nil, err
	}
	wsT, err := NewWSTransport(cfg.Endpoint, cfg.Tokens, WithDialer(cfg.Dialer), WithWSLogger(log))
	if err != nil {
		return nil, err
	}
	router, err := NewRouter(httpT, wsT)
	if err != nil {
		return nil, err
	}

	return &Client{router: router, ws: wsT, replica: NewReplica(), log: log}, nil
}

// Replica returns the client's local message history.
func (c *Client) Replica() *Replica { return c.replica }

// Close releases the streaming socket.
func (c *Client) Close() error { return c.ws.Close() }

// Messages fetches the full history and resets the replica to it.
func (c *Client) Messages(ctx context.Context) ([]chat.Message, error) {
	req, err := operation.NewRequest(operation.Messages, nil)
	if err != nil {
		return nil, err
	}
	var msgs []chat.Message
	if err := c.do(ctx, req, &msgs); err != nil {
		return nil, err
	}
	c.replica.Reset(msgs)
	return msgs, nil
}

// AddMessage sends a message and merges the created message into the
// replica.
func (c *Client) AddMessage(ctx context.Context, text string) (chat.Message, error) {
	req, err := operation.NewRequest(operation.AddMessage, operation.AddMessageVariables{
		Input: chat.MessageInput{Text: text},
	})
	if err != nil {
		return chat.Message{}, err
	}
	var msg chat.Message
	if err := c.do(ctx, req, &msg); err != nil {
		return chat.Message{}, err
	}
	c.replica.Merge(msg)
	return msg, nil
}

// WatchMessages subscribes to messageAdded and merges every pushed message
// into the replica until ctx is done, the server completes the stream or fn
// returns an error. fn, when not nil, is called with every pushed message.
// A dropped connection is reported as chat.ErrTransport; the subscription is
// not retried.
func (c *Client) WatchMessages(ctx context.Context, fn func(chat.Message) error) error {
	req, err := operation.NewRequest(operation.MessageAdded, nil)
	if err != nil {
		return err
	}
	stream, err := c.router.Execute(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		resp, err := stream.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		var msg chat.Message
		if err := resp.Decode(&msg); err != nil {
			return err
		}
		added := c.replica.Merge(msg)
		c.log.DebugContext(ctx, "watch.message", slog.String("message_id", msg.ID), slog.Bool("added", added))

		if fn != nil {
			if err := fn(msg); err != nil {
				return err
			}
		}
	}
}

// do runs a request-class operation and decodes its single result into out.
func (c *Client) do(ctx context.Context, req operation.Request, out any) error {
	stream, err := c.router.Execute(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	resp, err := stream.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.Join(chat.ErrTransport, fmt.Errorf("%s returned no result", req.Operation))
		}
		return err
	}
	return resp.Decode(out)
}

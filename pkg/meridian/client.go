// Package meridian is a Go client for the meridian execution feed.
package meridian

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"meridian/internal/feed"
)

// Event is one execution state change received from the feed.
type Event = feed.Event

// Client streams execution events from a meridian-trader feed server.
type Client struct {
	addr string
	opts []grpc.DialOption
	log  *slog.Logger
}

// NewClient creates a client targeting the given gRPC address. Without
// options the connection is unauthenticated plaintext.
func NewClient(addr string, log *slog.Logger, opts ...grpc.DialOption) *Client {
	if log == nil {
		log = slog.Default()
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Client{addr: addr, opts: opts, log: log}
}

// Stream subscribes to the feed and calls fn for every event, starting with
// the server's snapshot of current state. An empty symbol receives every
// symbol. It blocks until ctx is cancelled, the server ends the stream or fn
// returns an error.
func (c *Client) Stream(ctx context.Context, symbol string, fn func(Event) error) error {
	conn, err := grpc.NewClient(c.addr, c.opts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	stream, err := conn.NewStream(ctx, &feed.StreamEventsDesc, feed.StreamEventsPath)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{"symbol": symbol})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	c.log.Info("connected to execution feed", "addr", c.addr, "symbol", symbol)

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}
		e, err := feed.EventFromStruct(msg)
		if err != nil {
			c.log.Warn("skipping malformed feed event", "error", err)
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Package pubsub maintains a websocket subscription to Twitch PubSub topics.
// It handles the LISTEN handshake, periodic PING keepalives, and reconnects
// with a fixed delay for the life of the process.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultURL is the production PubSub edge.
const DefaultURL = "wss://pubsub-edge.twitch.tv"

const (
	// Twitch requires a PING at least every 5 minutes.
	pingInterval = 4 * time.Minute
	writeTimeout = 10 * time.Second
)

// Handler receives the decoded message payload for one topic. Handlers run on
// the client's read goroutine; anything touching shared state must do its own
// locking.
type Handler func(topic string, message json.RawMessage)

// TokenFunc supplies the auth token for the LISTEN request.
type TokenFunc func(ctx context.Context) (string, error)

// Client is a single-connection PubSub subscriber. Register all topics with
// Subscribe before calling Run.
type Client struct {
	URL        string
	Token      TokenFunc
	RetryDelay time.Duration
	Log        *slog.Logger

	topics   []string
	handlers map[string]Handler
}

// Subscribe registers a handler for one topic. Must be called before Run.
func (c *Client) Subscribe(topic string, h Handler) {
	if c.handlers == nil {
		c.handlers = make(map[string]Handler)
	}
	if _, dup := c.handlers[topic]; !dup {
		c.topics = append(c.topics, topic)
	}
	c.handlers[topic] = h
}

type frame struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce,omitempty"`
	Error string `json:"error,omitempty"`
	Data  struct {
		Topic   string   `json:"topic,omitempty"`
		Topics  []string `json:"topics,omitempty"`
		Message string   `json:"message,omitempty"`
		Auth    string   `json:"auth_token,omitempty"`
	} `json:"data,omitempty"`
}

// Run connects and serves the subscription until ctx is cancelled. Transport
// failures are logged and retried after RetryDelay; they never end the loop.
func (c *Client) Run(ctx context.Context) error {
	if len(c.topics) == 0 {
		c.Log.Info("pubsub: no topics registered, listener inactive")
		<-ctx.Done()
		return ctx.Err()
	}
	url := c.URL
	if url == "" {
		url = DefaultURL
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}
	for {
		if err := c.serveOnce(ctx, url); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Log.Warn("pubsub connection error", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) serveOnce(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.Log.Warn("pubsub close failed", slog.Any("err", err))
		}
	}()

	// Close the connection when ctx ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := c.listen(ctx, conn); err != nil {
		return err
	}
	c.Log.Info("pubsub listening", slog.Any("topics", c.topics))

	pings := time.NewTicker(pingInterval + time.Duration(rand.Int63n(int64(30*time.Second))))
	defer pings.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pings.C:
				if err := c.write(conn, frame{Type: "PING"}); err != nil {
					c.Log.Warn("pubsub ping failed", slog.Any("err", err))
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch f.Type {
		case "PONG":
			// keepalive acknowledged
		case "RECONNECT":
			return errors.New("server requested reconnect")
		case "MESSAGE":
			h, ok := c.handlers[f.Data.Topic]
			if !ok {
				c.Log.Warn("pubsub message for unknown topic", slog.String("topic", f.Data.Topic))
				continue
			}
			// The payload is a JSON document nested inside a string.
			h(f.Data.Topic, json.RawMessage(f.Data.Message))
		case "RESPONSE":
			if f.Error != "" {
				return fmt.Errorf("listen rejected: %s", f.Error)
			}
		default:
			c.Log.Debug("pubsub frame ignored", slog.String("type", f.Type))
		}
	}
}

func (c *Client) listen(ctx context.Context, conn *websocket.Conn) error {
	req := frame{Type: "LISTEN", Nonce: uuid.NewString()}
	req.Data.Topics = c.topics
	if c.Token != nil {
		tok, err := c.Token(ctx)
		if err != nil {
			return fmt.Errorf("fetch auth token: %w", err)
		}
		req.Data.Auth = tok
	}
	return c.write(conn, req)
}

func (c *Client) write(conn *websocket.Conn, f frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

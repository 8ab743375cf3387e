// Package events bridges server-pushed events into the bot's processing loop.
// A background listener holds a Server-Sent Events subscription to the site's
// /bot/events endpoint and enqueues everything it receives; the bot loop
// drains the queue and dispatches through an explicit handler registry so
// store mutations never race with chat handling.
package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danieljcrabtree/lrrbot/telemetry"
)

// QueueCapacity bounds the bridge queue. The producer blocks when the loop
// falls behind, preserving arrival order; events are never dropped.
const QueueCapacity = 256

// Event is one server-pushed event.
type Event struct {
	Name string
	Data json.RawMessage
}

// Listener subscribes to the SSE endpoint and feeds the queue.
type Listener struct {
	eventsURL  string
	retryDelay time.Duration
	httpClient *http.Client
	log        *slog.Logger
	queue      chan Event
}

// NewListener builds a listener for the site's event feed. The apipass is
// carried as a query parameter, matching what the site expects.
func NewListener(siteURL, apipass string, retryDelay time.Duration, log *slog.Logger) *Listener {
	q := url.Values{}
	q.Set("apipass", apipass)
	return &Listener{
		eventsURL:  strings.TrimSuffix(siteURL, "/") + "/bot/events?" + q.Encode(),
		retryDelay: retryDelay,
		httpClient: &http.Client{},
		log:        log,
		queue:      make(chan Event, QueueCapacity),
	}
}

// Queue is the channel the bot loop drains.
func (l *Listener) Queue() <-chan Event {
	return l.queue
}

// Run holds the subscription open until ctx is cancelled, reconnecting after
// the retry delay on any failure.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := l.streamOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("event stream error", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
}

func (l *Listener) streamOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.eventsURL, nil)
	if err != nil {
		return fmt.Errorf("build events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			l.log.Warn("failed to close event stream", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return fmt.Errorf("event stream returned %s", resp.Status)
	}
	l.log.Info("event stream connected")
	return l.parse(ctx, resp.Body)
}

// parse reads SSE frames: "event:" and "data:" fields accumulate until a
// blank line terminates the frame. Frames with no data are keep-alives and
// are dropped.
func (l *Listener) parse(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	name := "message"
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// Frames with no data are keep-alives.
			if payload := strings.Join(data, "\n"); payload != "" {
				ev := Event{Name: name, Data: json.RawMessage(payload)}
				select {
				case l.queue <- ev:
					telemetry.SetEventQueueDepth(len(l.queue))
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			name = "message"
			data = data[:0]
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return fmt.Errorf("event stream closed")
}

// HandlerFunc processes one event's payload.
type HandlerFunc func(ctx context.Context, data json.RawMessage) error

// Registry maps event names to handlers and acknowledges callbacks. Dispatch
// runs on the bot's serial loop.
type Registry struct {
	callbackURL string
	apipass     string
	httpClient  *http.Client
	log         *slog.Logger
	handlers    map[string]HandlerFunc
}

func NewRegistry(siteURL, apipass string, log *slog.Logger) *Registry {
	return &Registry{
		callbackURL: strings.TrimSuffix(siteURL, "/") + "/bot/callback",
		apipass:     apipass,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		log:         log,
		handlers:    make(map[string]HandlerFunc),
	}
}

// Register binds an event name to its handler.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.handlers[strings.ToLower(name)] = fn
}

// Dispatch routes one event. Unknown names are logged and skipped. When the
// payload carries a callback token, the site is acked after local processing
// even if the handler failed, so the site never retries a poisoned event.
func (r *Registry) Dispatch(ctx context.Context, ev Event) {
	if telemetry.ServerEvents != nil {
		telemetry.ServerEvents.WithLabelValues(ev.Name).Inc()
	}
	r.log.Info("server event", slog.String("event", ev.Name), slog.String("data", string(ev.Data)))
	fn, ok := r.handlers[strings.ToLower(ev.Name)]
	if !ok {
		r.log.Warn("no handler for server event", slog.String("event", ev.Name))
		return
	}
	if err := fn(ctx, ev.Data); err != nil {
		r.log.Error("server event handler failed", slog.String("event", ev.Name), slog.Any("err", err))
	}
	var meta struct {
		Callback string `json:"callback"`
	}
	if err := json.Unmarshal(ev.Data, &meta); err == nil && meta.Callback != "" {
		r.ack(ctx, meta.Callback)
	}
}

func (r *Registry) ack(ctx context.Context, callback string) {
	form := url.Values{}
	form.Set("apipass", r.apipass)
	form.Set("callback", callback)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.callbackURL, strings.NewReader(form.Encode()))
	if err != nil {
		r.log.Warn("build callback request failed", slog.Any("err", err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.log.Warn("callback ack failed", slog.Any("err", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.log.Warn("callback ack rejected", slog.String("status", resp.Status))
	}
}

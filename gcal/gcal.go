// Package gcal looks up the next scheduled stream on the public Google
// Calendar, for the !next command.
package gcal

import (
	"context"
	"fmt"
	"time"

	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Event is the next upcoming calendar entry.
type Event struct {
	Summary string
	Start   time.Time
}

// Client reads one public calendar with an API key.
type Client struct {
	svc        *calendar.Service
	calendarID string
}

func New(ctx context.Context, apiKey, calendarID string, opts ...option.ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google api key is empty")
	}
	if calendarID == "" {
		return nil, fmt.Errorf("calendar id is empty")
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &Client{svc: svc, calendarID: calendarID}, nil
}

// NextEvent returns the next event starting at or after now, or nil when the
// calendar has nothing scheduled.
func (c *Client) NextEvent(ctx context.Context, now time.Time) (*Event, error) {
	events, err := c.svc.Events.List(c.calendarID).
		TimeMin(now.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list calendar events: %w", err)
	}
	if len(events.Items) == 0 {
		return nil, nil
	}
	item := events.Items[0]
	start, err := parseEventStart(item.Start)
	if err != nil {
		return nil, fmt.Errorf("event %q: %w", item.Summary, err)
	}
	return &Event{Summary: item.Summary, Start: start}, nil
}

func parseEventStart(start *calendar.EventDateTime) (time.Time, error) {
	if start == nil {
		return time.Time{}, fmt.Errorf("event has no start time")
	}
	if start.DateTime != "" {
		return time.Parse(time.RFC3339, start.DateTime)
	}
	// All-day events carry only a date.
	return time.Parse("2006-01-02", start.Date)
}

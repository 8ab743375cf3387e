// Package modactions watches the channel's moderation pubsub topic and
// forwards human-readable summaries to Slack, attaching the affected user's
// recent chat lines for context.
package modactions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danieljcrabtree/lrrbot/chatlog"
	"github.com/danieljcrabtree/lrrbot/db"
	"github.com/danieljcrabtree/lrrbot/slack"
	"github.com/danieljcrabtree/lrrbot/telemetry"
	"github.com/danieljcrabtree/lrrbot/timeutil"
)

// SlackSender is the outbound side, satisfied by *slack.Client.
type SlackSender interface {
	Send(ctx context.Context, text string, attachments []slack.Attachment) error
}

type banKey struct {
	user  string // lowercased
	logID int64
}

// Notifier holds the subscription state. Pubsub callbacks may fire from the
// client's own goroutine, so last-ban memory is guarded by its own mutex.
type Notifier struct {
	db    *sql.DB
	slack SlackSender
	tz    *time.Location
	log   *slog.Logger
	topic string

	mu      sync.Mutex
	lastBan *banKey

	// send delivers the composed notice; replaced in tests.
	send func(text string, attachments []slack.Attachment)
}

// New resolves the bot's and channel's numeric identities from the users
// table and prepares the notifier. When either identity is unknown the
// notifier stays permanently inactive; that is logged but not an error.
func New(ctx context.Context, database *sql.DB, botUser, channel string, sender SlackSender, tz *time.Location, log *slog.Logger) (*Notifier, error) {
	n := &Notifier{
		db:    database,
		slack: sender,
		tz:    tz,
		log:   log,
	}
	n.send = n.sendAsync

	botID, err := db.LookupUserID(ctx, database, botUser)
	if errors.Is(err, sql.ErrNoRows) {
		log.Info("moderator action notifier inactive: bot user unknown", slog.String("user", botUser))
		return n, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve bot user id: %w", err)
	}
	channelID, err := db.LookupUserID(ctx, database, channel)
	if errors.Is(err, sql.ErrNoRows) {
		log.Info("moderator action notifier inactive: channel unknown", slog.String("channel", channel))
		return n, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve channel id: %w", err)
	}
	n.topic = fmt.Sprintf("chat_moderator_actions.%d.%d", botID, channelID)
	return n, nil
}

// Active reports whether the notifier resolved its topic at startup.
func (n *Notifier) Active() bool { return n.topic != "" }

// Topic is the pubsub topic to subscribe, empty when inactive.
func (n *Notifier) Topic() string { return n.topic }

type actionPayload struct {
	Data struct {
		ModerationAction string   `json:"moderation_action"`
		Args             []string `json:"args"`
		CreatedBy        string   `json:"created_by"`
	} `json:"data"`
}

// HandleMessage is the pubsub handler for the moderation topic.
func (n *Notifier) HandleMessage(topic string, raw json.RawMessage) {
	var msg actionPayload
	if err := json.Unmarshal(raw, &msg); err != nil {
		n.log.Warn("undecodable moderation message", slog.Any("err", err))
		return
	}
	action := msg.Data.ModerationAction
	args := msg.Data.Args
	mod := msg.Data.CreatedBy
	if telemetry.ModActions != nil {
		telemetry.ModActions.WithLabelValues(action).Inc()
	}

	var text string
	var attachments []slack.Attachment

	n.mu.Lock()
	switch {
	case action == "timeout" && len(args) >= 2:
		user := args[0]
		logID, lines := n.chatLog(user)
		sameUser := n.lastBan != nil && *n.lastBan == (banKey{strings.ToLower(user), logID})
		if !sameUser {
			attachments = lines
		}
		n.lastBan = &banKey{strings.ToLower(user), logID}

		also := ""
		if sameUser {
			also = " also"
		}
		length := timeoutDuration(args[1])
		text = fmt.Sprintf("%s was%s timed out for %s by %s.", slack.Escape(user), also, slack.Escape(length), slack.Escape(mod))
		if len(args) >= 3 && args[2] != "" {
			text += fmt.Sprintf(" Reason: %s", slack.Escape(args[2]))
		}
	case action == "ban" && len(args) >= 1:
		user := args[0]
		logID, lines := n.chatLog(user)
		sameUser := n.lastBan != nil && *n.lastBan == (banKey{strings.ToLower(user), logID})
		if !sameUser {
			attachments = lines
		}
		n.lastBan = &banKey{strings.ToLower(user), logID}

		also := ""
		if sameUser {
			also = " also"
		}
		text = fmt.Sprintf("%s was%s banned by %s.", slack.Escape(user), also, slack.Escape(mod))
		if len(args) >= 2 && args[1] != "" {
			text += fmt.Sprintf(" Reason: %s", slack.Escape(args[1]))
		}
	case action == "unban" && len(args) >= 1:
		n.lastBan = nil
		text = fmt.Sprintf("%s was unbanned by %s.", slack.Escape(args[0]), slack.Escape(mod))
	case action == "untimeout" && len(args) >= 1:
		n.lastBan = nil
		text = fmt.Sprintf("%s was untimed-out by %s.", slack.Escape(args[0]), slack.Escape(mod))
	default:
		n.log.Info("unrecognised moderation action", slog.String("action", action), slog.Any("args", args))
		n.lastBan = nil
		text = fmt.Sprintf("%s did a %s: %s", slack.Escape(mod), slack.Escape(action), slack.Escape(fmt.Sprintf("%q", args)))
	}
	n.mu.Unlock()

	n.send(text, attachments)
}

// chatLog fetches up to the 3 most recent lines from the user in the last
// 24h, oldest first, and the id of the newest one (-1 when there are none).
func (n *Notifier) chatLog(user string) (int64, []slack.Attachment) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := time.Now().In(n.tz)
	lines, err := chatlog.Recent(ctx, n.db, user, now.Add(-24*time.Hour), 3)
	if err != nil {
		n.log.Warn("chat log lookup failed", slog.String("user", user), slog.Any("err", err))
		return -1, nil
	}
	logID := int64(-1)
	attachments := make([]slack.Attachment, 0, len(lines))
	for _, l := range lines {
		logID = l.ID
		ts := l.Time.In(n.tz)
		attachments = append(attachments, slack.Attachment{
			Text: slack.Escape(fmt.Sprintf("%s (%s ago): %s", ts.Format("15:04"), timeutil.NiceDuration(now.Sub(ts), 0), l.Message)),
		})
	}
	return logID, attachments
}

// sendAsync fires the notification without blocking message delivery.
// Failures are logged, never propagated.
func (n *Notifier) sendAsync(text string, attachments []slack.Attachment) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := n.slack.Send(ctx, text, attachments); err != nil {
			if telemetry.SendErrors != nil {
				telemetry.SendErrors.Inc()
			}
			n.log.Error("moderation notice send failed", slog.Any("err", err))
		}
	}()
}

func timeoutDuration(raw string) string {
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return raw
	}
	return timeutil.NiceDuration(time.Duration(secs)*time.Second, 0)
}

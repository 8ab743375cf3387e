// Package chat connects the bot loop to Twitch IRC.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/danieljcrabtree/lrrbot/bot"
	"github.com/danieljcrabtree/lrrbot/config"
	"github.com/danieljcrabtree/lrrbot/telemetry"
)

// Client wraps the IRC connection for one channel. Say is safe to call from
// any goroutine; the library serializes outbound writes.
type Client struct {
	tw      *twitch.Client
	channel string
	log     *slog.Logger
}

func New(cfg *config.Config, log *slog.Logger) *Client {
	token := cfg.OAuthToken
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	return &Client{
		tw:      twitch.NewClient(cfg.BotUsername, token),
		channel: cfg.Channel,
		log:     log,
	}
}

// Say sends a line to the joined channel.
func (c *Client) Say(text string) {
	c.tw.Say(c.channel, text)
}

// Run joins the channel and blocks until ctx is cancelled or the connection
// fails. Channel messages and whispers both land in the bot's inbound queue.
func (c *Client) Run(ctx context.Context, enqueue func(bot.Message)) error {
	c.tw.OnConnect(func() {
		c.log.Info("chat connected", slog.String("channel", c.channel))
		telemetry.SetChatConnected(true)
	})
	c.tw.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		enqueue(bot.Message{
			Sender:      msg.User.Name,
			Text:        msg.Message,
			FromChannel: true,
			Mod:         isModBadge(msg.User.Badges),
			Time:        time.Now(),
		})
	})
	c.tw.OnWhisperMessage(func(msg twitch.WhisperMessage) {
		enqueue(bot.Message{
			Sender: msg.User.Name,
			Text:   msg.Message,
			Time:   time.Now(),
		})
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		c.tw.Disconnect()
		close(done)
	}()

	c.tw.Join(c.channel)
	err := c.tw.Connect()
	telemetry.SetChatConnected(false)
	if errors.Is(err, twitch.ErrClientDisconnected) || ctx.Err() != nil {
		<-done
		return ctx.Err()
	}
	return err
}

func isModBadge(badges map[string]int) bool {
	return badges["moderator"] > 0 || badges["broadcaster"] > 0
}

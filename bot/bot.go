// Package bot is the core of the chat bot: a single serial processing loop
// that consumes chat messages and server-pushed events, routes commands
// through an explicit registry, and owns all mutations of the shared state
// store.
package bot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danieljcrabtree/lrrbot/chatlog"
	"github.com/danieljcrabtree/lrrbot/config"
	"github.com/danieljcrabtree/lrrbot/events"
	"github.com/danieljcrabtree/lrrbot/gcal"
	"github.com/danieljcrabtree/lrrbot/spam"
	"github.com/danieljcrabtree/lrrbot/storage"
	"github.com/danieljcrabtree/lrrbot/telemetry"
	"github.com/danieljcrabtree/lrrbot/throttle"
	"github.com/danieljcrabtree/lrrbot/timeutil"
	"github.com/danieljcrabtree/lrrbot/twitchapi"
)

// defaultThrottle is the standard per-command cooldown.
const defaultThrottle = 15 * time.Second

// Message is one inbound chat message, normalized from the transport.
type Message struct {
	Sender      string
	Text        string
	FromChannel bool // false for whispers
	Mod         bool // moderator or broadcaster badge
	Time        time.Time
}

// HelixSource is the slice of the Helix API the bot needs.
type HelixSource interface {
	GetChannelInfo(ctx context.Context, broadcasterID string) (*twitchapi.ChannelInfo, error)
	GetUser(ctx context.Context, login string) (*twitchapi.User, error)
}

// CalendarSource supplies the next scheduled stream.
type CalendarSource interface {
	NextEvent(ctx context.Context, now time.Time) (*gcal.Event, error)
}

// Options wires the bot's collaborators.
type Options struct {
	Config    *config.Config
	Store     *storage.Store
	DB        *sql.DB
	Detector  *spam.Detector
	Helix     HelixSource
	Calendar  CalendarSource // may be nil when unconfigured
	Registry  *events.Registry
	Events    <-chan events.Event
	ChannelID string // numeric broadcaster id for Helix lookups
	Say       func(text string)
	Log       *slog.Logger
}

// Bot holds all serial-loop state. Everything below is touched only from Run's
// goroutine; the inbound channel is the sole entry point for other goroutines.
type Bot struct {
	cfg       *config.Config
	store     *storage.Store
	db        *sql.DB
	detector  *spam.Detector
	helix     HelixSource
	calendar  CalendarSource
	registry  *events.Registry
	events    <-chan events.Event
	channelID string
	say       func(text string)
	log       *slog.Logger

	inbound  chan Message
	now      func() time.Time
	lastTick atomic.Int64 // unix nanos of the loop's last wakeup

	// persist mirrors the store; indirected so tests can run without a DB.
	persist func()

	// postNotification relays notify-user messages to the site.
	postNotification func(params url.Values)
	httpClient       *http.Client

	reCommand      *regexp.Regexp
	reSubscription *regexp.Regexp

	commands map[string]commandFunc

	game  gameState
	storm stormState

	voteUpdate bool

	gateGameCurrent   *throttle.Gate
	gateGameCompleted *throttle.Gate
	gateVoteRespond   *throttle.Gate
	gateStatIncrement *throttle.Gate
	gateStatPrint     *throttle.Gate
	gateStatTotal     *throttle.Gate
	gateResponse      *throttle.Gate
	gateStorm         *throttle.Gate
	gateNext          *throttle.Gate
	gateTime          *throttle.Gate
}

type stormState struct {
	count int
	day   time.Time // midnight of the day the count belongs to
}

// New assembles a Bot. The event registry gains the set_data handler here so
// store mutations pushed from the site flow through the typed SetPath scheme.
func New(o Options) *Bot {
	b := &Bot{
		cfg:       o.Config,
		store:     o.Store,
		db:        o.DB,
		detector:  o.Detector,
		helix:     o.Helix,
		calendar:  o.Calendar,
		registry:  o.Registry,
		events:    o.Events,
		channelID: o.ChannelID,
		say:       o.Say,
		log:       o.Log,

		inbound:    make(chan Message, 64),
		now:        time.Now,
		httpClient: &http.Client{Timeout: 10 * time.Second},

		reCommand: regexp.MustCompile(
			`(?i)^\s*` + regexp.QuoteMeta(o.Config.CommandPrefix) + `\s*(\w+)\b\s*(.*?)\s*$`),
		reSubscription: regexp.MustCompile(`(?i)^(.*) just subscribed!`),

		gateGameCurrent:   throttle.New(defaultThrottle),
		gateGameCompleted: throttle.New(30*time.Second, throttle.WithNotify()),
		gateVoteRespond:   throttle.New(60 * time.Second),
		gateStatIncrement: throttle.New(30*time.Second, throttle.WithNotify()),
		gateStatPrint:     throttle.New(defaultThrottle),
		gateStatTotal:     throttle.New(defaultThrottle),
		gateResponse:      throttle.New(5 * time.Second),
		gateStorm:         throttle.New(defaultThrottle),
		gateNext:          throttle.New(defaultThrottle),
		gateTime:          throttle.New(defaultThrottle),
	}
	b.game.gate = throttle.New(o.Config.GameCheckInterval)
	b.persist = b.persistStore
	b.postNotification = b.postSiteNotification
	b.registerCommands()
	if b.registry != nil {
		b.registry.Register("set_data", b.onSetData)
	}
	return b
}

// Enqueue hands a message to the serial loop. Called from the transport's
// goroutine; blocks when the loop is saturated.
func (b *Bot) Enqueue(msg Message) {
	b.inbound <- msg
}

// Run is the serial processing loop. On each iteration it fully drains the
// pushed-event queue before taking the next chat message, so events are
// applied in arrival order and never interleave mid-message.
func (b *Bot) Run(ctx context.Context) error {
	b.log.Info("bot loop started", slog.String("channel", b.cfg.Channel))
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	for {
		b.lastTick.Store(time.Now().UnixNano())
	drain:
		for {
			select {
			case ev := <-b.events:
				b.dispatchEvent(ctx, ev)
			default:
				break drain
			}
		}
		select {
		case <-ctx.Done():
			b.log.Info("bot loop stopped")
			return ctx.Err()
		case <-tick.C:
			// liveness heartbeat only
		case ev := <-b.events:
			b.dispatchEvent(ctx, ev)
		case msg := <-b.inbound:
			b.safely("message", func() { b.handleMessage(ctx, msg) })
		}
	}
}

func (b *Bot) dispatchEvent(ctx context.Context, ev events.Event) {
	b.safely("event "+ev.Name, func() { b.registry.Dispatch(ctx, ev) })
	telemetry.SetEventQueueDepth(len(b.events))
}

// safely contains a panicking handler so one bad message or event never takes
// the loop down.
func (b *Bot) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked", slog.String("in", name), slog.Any("panic", r))
		}
	}()
	fn()
}

// LastTick is the loop's most recent heartbeat, readable from any goroutine.
func (b *Bot) LastTick() time.Time {
	n := b.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// handleMessage is the per-message pipeline: log, pending vote response,
// notify-user relay, spam check, then command dispatch.
func (b *Bot) handleMessage(ctx context.Context, msg Message) {
	if telemetry.MessagesReceived != nil {
		kind := "whisper"
		if msg.FromChannel {
			kind = "channel"
		}
		telemetry.MessagesReceived.WithLabelValues(kind).Inc()
	}

	if msg.FromChannel && b.db != nil {
		if err := chatlog.Record(ctx, b.db, msg.Sender, "#"+b.cfg.Channel, msg.Text); err != nil {
			b.log.Warn("chat log record failed", slog.Any("err", err))
		}
	}

	if b.voteUpdate {
		b.respondVote(b.currentGame(ctx))
	}

	if strings.EqualFold(msg.Sender, b.cfg.NotifyUser) {
		b.handleNotification(ctx, msg)
		return
	}

	if msg.FromChannel {
		if lines, matched := b.detector.Check(msg.Text, msg.Sender); matched {
			if telemetry.SpamDetected != nil {
				telemetry.SpamDetected.Inc()
			}
			for _, line := range lines {
				b.say(line)
			}
			return
		}
	}

	m := b.reCommand.FindStringSubmatch(msg.Text)
	if m == nil {
		return
	}
	verb, params := strings.ToLower(m[1]), m[2]
	b.log.Info("command",
		slog.String("sender", msg.Sender),
		slog.String("verb", verb),
		slog.String("params", params))
	if telemetry.CommandsHandled != nil {
		telemetry.CommandsHandled.WithLabelValues(verb).Inc()
	}
	if fn, ok := b.commands[verb]; ok {
		fn(ctx, msg, params)
		return
	}
	b.fallback(ctx, msg, verb, params)
}

// reply routes a response back to where the command came from. Whisper
// replies go to the channel with a mention since outbound whispers are no
// longer carried over chat connections.
func (b *Bot) reply(msg Message, text string) {
	if msg.FromChannel {
		b.say(text)
		return
	}
	b.say(fmt.Sprintf("@%s: %s", msg.Sender, text))
}

// isMod reports whether the sender may use privileged commands: a moderator
// or broadcaster badge, or membership in the configured allow-list.
func (b *Bot) isMod(msg Message) bool {
	return msg.Mod || b.cfg.IsMod(msg.Sender)
}

// checkGate applies a throttle gate, emitting the cooldown notice when the
// gate asks for one. Returns true when the handler may run.
func (b *Bot) checkGate(g *throttle.Gate, key string, msg Message) bool {
	ok, wait := g.Allow(key)
	if ok {
		return true
	}
	if telemetry.ThrottledCommands != nil {
		telemetry.ThrottledCommands.Inc()
	}
	if g.Notify() {
		b.reply(msg, fmt.Sprintf("That command is still on cooldown, try again in %s", timeutil.NiceDuration(wait, 0)))
	}
	return false
}

func (b *Bot) persistStore() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.store.Save(ctx); err != nil {
		b.log.Error("store save failed", slog.Any("err", err))
	}
}

// handleNotification relays messages from the notify user up to the site and
// keeps the storm count.
func (b *Bot) handleNotification(ctx context.Context, msg Message) {
	b.log.Info("notification", slog.String("message", msg.Text))
	params := url.Values{}
	params.Set("apipass", b.cfg.APIPass)
	params.Set("message", msg.Text)
	params.Set("eventtime", fmt.Sprintf("%d", b.now().Unix()))
	if msg.FromChannel {
		params.Set("channel", b.cfg.Channel)
	}
	if m := b.reSubscription.FindStringSubmatch(msg.Text); m != nil {
		subUser := m[1]
		params.Set("subuser", subUser)
		if user, err := b.helix.GetUser(ctx, strings.ToLower(subUser)); err == nil && user.ProfileImageURL != "" {
			params.Set("avatar", user.ProfileImageURL)
		}
		b.rollStormDay()
		b.storm.count++
		b.reply(msg, fmt.Sprintf("lrrSPOT Thanks for subscribing, %s! (Today's storm count: %d)", subUser, b.storm.count))
	}
	b.postNotification(params)
}

// rollStormDay resets the storm count when the local day has changed.
func (b *Bot) rollStormDay() {
	now := b.now().In(b.cfg.Timezone)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, b.cfg.Timezone)
	if !day.Equal(b.storm.day) {
		b.storm.day = day
		b.storm.count = 0
	}
}

// StormCount reports the current display-day count, for the status endpoint.
func (b *Bot) StormCount() int {
	return b.storm.count
}

func (b *Bot) postSiteNotification(params url.Values) {
	u := strings.TrimSuffix(b.cfg.SiteURL, "/") + "/notifications/newmessage"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(params.Encode()))
	if err != nil {
		b.log.Warn("build notification request failed", slog.Any("err", err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := b.httpClient.Do(req)
	if err != nil {
		if telemetry.SendErrors != nil {
			telemetry.SendErrors.Inc()
		}
		b.log.Warn("notification relay failed", slog.Any("err", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.log.Warn("notification relay rejected", slog.String("status", resp.Status))
	}
}

package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danieljcrabtree/lrrbot/throttle"
	"github.com/danieljcrabtree/lrrbot/timeutil"
)

type commandFunc func(ctx context.Context, msg Message, params string)

// registerCommands builds the named-command registry. Named commands take
// precedence over fallback resolution; aliases point at the same handler.
func (b *Bot) registerCommands() {
	b.commands = map[string]commandFunc{
		"game":  b.cmdGame,
		"storm": b.cmdStorm,
		"next":  b.cmdNext,
		"time":  b.cmdTime,
		"test":  b.cmdTest,
	}
	b.commands["stormcount"] = b.commands["storm"]
	for _, alias := range []string{"schedule", "sched", "nextstream"} {
		b.commands[alias] = b.commands["next"]
	}
}

func (b *Bot) cmdStorm(ctx context.Context, msg Message, params string) {
	if !b.checkGate(b.gateStorm, throttle.GlobalKey, msg) {
		return
	}
	b.rollStormDay()
	b.reply(msg, fmt.Sprintf("Today's storm count: %d", b.storm.count))
}

func (b *Bot) cmdNext(ctx context.Context, msg Message, params string) {
	if !b.checkGate(b.gateNext, throttle.GlobalKey, msg) {
		return
	}
	if b.calendar == nil {
		b.log.Warn("calendar not configured, ignoring schedule command")
		return
	}
	now := b.now()
	event, err := b.calendar.NextEvent(ctx, now)
	if err != nil {
		b.log.Error("calendar lookup failed", slog.Any("err", err))
		return
	}
	if event == nil {
		b.reply(msg, "There don't seem to be any upcoming scheduled streams")
		return
	}
	niceTime := event.Start.In(b.cfg.Timezone).Format("Mon 03:04 PM MST")
	wait := event.Start.Sub(now)
	var niceWait string
	if wait < 0 {
		niceWait = timeutil.NiceDuration(-wait, 1) + " ago"
	} else {
		niceWait = timeutil.NiceDuration(wait, 1) + " from now"
	}
	b.reply(msg, fmt.Sprintf("Next scheduled stream: %s at %s (%s)", event.Summary, niceTime, niceWait))
}

func (b *Bot) cmdTime(ctx context.Context, msg Message, params string) {
	if !b.checkGate(b.gateTime, throttle.GlobalKey, msg) {
		return
	}
	now := b.now().In(b.cfg.Timezone)
	b.reply(msg, fmt.Sprintf("Current moonbase time: %s", now.Format("3:04 PM")))
}

func (b *Bot) cmdTest(ctx context.Context, msg Message, params string) {
	if !b.isMod(msg) {
		return
	}
	b.reply(msg, "Test")
}

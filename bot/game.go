package bot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/danieljcrabtree/lrrbot/storage"
	"github.com/danieljcrabtree/lrrbot/throttle"
)

var (
	reGameDisplay   = regexp.MustCompile(`(?i)^\s*display\b\s*(.*?)\s*$`)
	reGameOverride  = regexp.MustCompile(`(?i)^\s*override\b\s*(.*?)\s*$`)
	reGameRefresh   = regexp.MustCompile(`(?i)^\s*refresh\s*$`)
	reGameCompleted = regexp.MustCompile(`(?i)^\s*completed\s*$`)
	reGameVote      = regexp.MustCompile(`(?i)^\s*(good|bad)\s*$`)
)

// gameState resolves "what is being played": a manual override, or the live
// channel category cached behind a gate so Helix is asked at most once per
// check interval.
type gameState struct {
	override   string // empty when no override is active
	cachedID   string
	cachedName string
	gate       *throttle.Gate
}

// currentGame returns the store entry for the current game, nil when nothing
// is being played. Live lookups go through the cache gate; a failed lookup
// keeps the previous answer.
func (b *Bot) currentGame(ctx context.Context) *storage.Game {
	if b.game.override != "" {
		return b.store.FindGame(b.game.override, b.game.override)
	}
	if ok, _ := b.game.gate.Allow(throttle.GlobalKey); ok {
		info, err := b.helix.GetChannelInfo(ctx, b.channelID)
		if err != nil {
			b.log.Warn("current game lookup failed", slog.Any("err", err))
		} else {
			b.game.cachedID = info.GameID
			b.game.cachedName = info.GameName
		}
	}
	if b.game.cachedID == "" {
		return nil
	}
	return b.store.FindGame(b.game.cachedID, b.game.cachedName)
}

// gameName renders a game for chat, with the no-game fallback text.
func (b *Bot) gameName(g *storage.Game) string {
	if g == nil {
		return "Not currently playing any game"
	}
	return g.DisplayName()
}

// cmdGame routes the !game subcommands.
func (b *Bot) cmdGame(ctx context.Context, msg Message, params string) {
	if params == "" {
		b.gameCurrent(ctx, msg)
		return
	}
	if m := reGameDisplay.FindStringSubmatch(params); m != nil {
		b.gameDisplay(ctx, msg, m[1])
		return
	}
	if m := reGameOverride.FindStringSubmatch(params); m != nil {
		b.gameOverride(ctx, msg, m[1])
		return
	}
	if reGameRefresh.MatchString(params) {
		b.gameRefresh(ctx, msg)
		return
	}
	if reGameCompleted.MatchString(params) {
		b.gameCompleted(ctx, msg)
		return
	}
	if m := reGameVote.FindStringSubmatch(params); m != nil {
		b.gameVote(ctx, msg, strings.EqualFold(m[1], "good"))
		return
	}
}

func (b *Bot) gameCurrent(ctx context.Context, msg Message) {
	if !b.checkGate(b.gateGameCurrent, throttle.GlobalKey, msg) {
		return
	}
	game := b.currentGame(ctx)
	var message string
	if game == nil {
		message = "Not currently playing any game"
	} else {
		message = fmt.Sprintf("Currently playing: %s", b.gameName(game))
		if len(game.Votes) > 0 {
			message += fmt.Sprintf(" (rating %d%%)", game.RatingPercent())
		}
	}
	if b.game.override != "" {
		message += " (overridden)"
	}
	b.reply(msg, message)
}

// gameVote records a good/bad vote. Votes themselves are never throttled; the
// rating response is, so a burst of votes produces one reply.
func (b *Bot) gameVote(ctx context.Context, msg Message, good bool) {
	game := b.currentGame(ctx)
	if game == nil {
		b.reply(msg, "Not currently playing any game")
		return
	}
	if game.Votes == nil {
		game.Votes = make(map[string]bool)
	}
	game.Votes[strings.ToLower(msg.Sender)] = good
	b.persist()
	b.voteUpdate = true
	b.respondVote(game)
}

// respondVote emits the running rating, at most once per minute. Clears the
// pending-vote flag once the reply actually goes out.
func (b *Bot) respondVote(game *storage.Game) {
	if ok, _ := b.gateVoteRespond.Allow(throttle.GlobalKey); !ok {
		return
	}
	if game != nil && len(game.Votes) > 0 {
		b.say(fmt.Sprintf("Rating for %s is now %d%% (%d/%d)",
			b.gameName(game), game.RatingPercent(), game.GoodVotes(), len(game.Votes)))
	}
	b.voteUpdate = false
}

func (b *Bot) gameDisplay(ctx context.Context, msg Message, name string) {
	if !b.isMod(msg) {
		return
	}
	game := b.currentGame(ctx)
	if game == nil {
		b.reply(msg, "Not currently playing any game, if they are yell at them to update the stream")
		return
	}
	game.Display = name
	b.persist()
	b.reply(msg, fmt.Sprintf("OK, I'll start calling %s \"%s\"", game.Name, game.Display))
}

func (b *Bot) gameOverride(ctx context.Context, msg Message, param string) {
	if !b.isMod(msg) {
		return
	}
	var operation string
	if param == "" || strings.EqualFold(param, "off") {
		b.game.override = ""
		operation = "disabled"
	} else {
		b.game.override = param
		operation = "enabled"
	}
	b.game.gate.ResetAll()
	b.gateGameCurrent.ResetAll()
	game := b.currentGame(ctx)
	if game == nil {
		b.reply(msg, fmt.Sprintf("Override %s. Not currently playing any game", operation))
	} else {
		b.reply(msg, fmt.Sprintf("Override %s. Currently playing: %s", operation, b.gameName(game)))
	}
}

func (b *Bot) gameRefresh(ctx context.Context, msg Message) {
	if !b.isMod(msg) {
		return
	}
	b.game.gate.ResetAll()
	b.gateGameCurrent.ResetAll()
	b.gameCurrent(ctx, msg)
}

func (b *Bot) gameCompleted(ctx context.Context, msg Message) {
	if !b.isMod(msg) {
		return
	}
	if !b.checkGate(b.gateGameCompleted, throttle.GlobalKey, msg) {
		return
	}
	game := b.currentGame(ctx)
	if game == nil {
		b.reply(msg, "Not currently playing any game")
		return
	}
	if game.Stats == nil {
		game.Stats = make(map[string]int)
	}
	game.Stats["completed"]++
	b.persist()
	b.reply(msg, fmt.Sprintf("%s added to the completed list", b.gameName(game)))
}

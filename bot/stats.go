package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/danieljcrabtree/lrrbot/storage"
)

var reAddRemove = regexp.MustCompile(`(?i)^\s*(add|remove|set)\s*(\d*)\s*$`)

// fallback resolves verbs with no named command, in fixed order: exact stat
// name, "<stat>count", "total<stat>", canned response. No match is silently
// ignored.
func (b *Bot) fallback(ctx context.Context, msg Message, verb, params string) {
	if _, ok := b.store.Data.Stats[verb]; ok {
		if params == "" {
			b.statIncrement(ctx, msg, verb)
			return
		}
		if m := reAddRemove.FindStringSubmatch(params); m != nil {
			b.statEdit(ctx, msg, verb, strings.ToLower(m[1]), m[2])
			return
		}
	}
	if stat, found := strings.CutSuffix(verb, "count"); found {
		if _, ok := b.store.Data.Stats[stat]; ok {
			b.statPrint(ctx, msg, stat)
			return
		}
	}
	if stat, found := strings.CutPrefix(verb, "total"); found {
		if _, ok := b.store.Data.Stats[stat]; ok {
			b.statTotal(msg, stat)
			return
		}
	}
	if resp, ok := b.store.Data.Responses[verb]; ok {
		b.cannedResponse(msg, verb, resp)
		return
	}
}

// statIncrement bumps the current game's counter by one. Throttled per stat
// with notification, since a chat pile-on after a death is the normal case.
func (b *Bot) statIncrement(ctx context.Context, msg Message, stat string) {
	if !b.checkGate(b.gateStatIncrement, stat, msg) {
		return
	}
	// Completions go through the !game completed path so its privilege and
	// cooldown rules hold for the bare command too.
	if stat == "completed" {
		b.gameCompleted(ctx, msg)
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
	game.Stats[stat]++
	b.persist()
	b.printStat(ctx, msg, stat, game, true)
}

// statEdit handles "add", "remove" and "set", mod-only so stats can be
// corrected. "completed" passes through here like any other stat.
func (b *Bot) statEdit(ctx context.Context, msg Message, stat, operation, rawValue string) {
	if !b.isMod(msg) {
		return
	}
	value := 1
	if rawValue != "" {
		n, err := strconv.Atoi(rawValue)
		if err != nil {
			b.reply(msg, fmt.Sprintf("\"%s\" is not a number", rawValue))
			return
		}
		value = n
	} else if operation == "set" {
		b.reply(msg, "\"set\" needs a value")
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
	switch operation {
	case "add":
		game.Stats[stat] += value
	case "remove":
		game.Stats[stat] -= value
	case "set":
		game.Stats[stat] = value
	}
	b.persist()
	b.printStat(ctx, msg, stat, game, false)
}

func (b *Bot) statPrint(ctx context.Context, msg Message, stat string) {
	if !b.checkGate(b.gateStatPrint, stat, msg) {
		return
	}
	b.printStat(ctx, msg, stat, nil, false)
}

func (b *Bot) statTotal(msg Message, stat string) {
	if !b.checkGate(b.gateStatTotal, stat, msg) {
		return
	}
	count := b.store.StatTotal(stat)
	display := b.store.Data.Stats[stat].Display(stat, count)
	b.reply(msg, fmt.Sprintf("%d total %s", count, display))
}

// printStat reports one stat for one game, plus the cross-game milestone
// line when the running total lands exactly on 1000.
func (b *Bot) printStat(ctx context.Context, msg Message, stat string, game *storage.Game, withEmote bool) {
	if game == nil {
		game = b.currentGame(ctx)
		if game == nil {
			b.reply(msg, "Not currently playing any game")
			return
		}
	}
	count := game.Stats[stat]
	total := b.store.StatTotal(stat)
	def := b.store.Data.Stats[stat]
	display := def.Display(stat, count)
	emote := ""
	if withEmote && def.Emote != "" {
		emote = def.Emote + " "
	}
	b.reply(msg, fmt.Sprintf("%s%d %s for %s", emote, count, display, b.gameName(game)))
	if total == 1000 {
		b.reply(msg, fmt.Sprintf("Watch and pray for another %d %s!", total, display))
	}
}

func (b *Bot) cannedResponse(msg Message, verb string, resp storage.Response) {
	if !b.checkGate(b.gateResponse, verb, msg) {
		return
	}
	b.reply(msg, resp.Pick())
}

// onSetData applies an externally pushed store mutation. The key may be a
// single string or a path array; unknown paths are rejected.
func (b *Bot) onSetData(ctx context.Context, data json.RawMessage) error {
	var payload struct {
		Key   json.RawMessage `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode set_data: %w", err)
	}
	var path []string
	if err := json.Unmarshal(payload.Key, &path); err != nil {
		var single string
		if err := json.Unmarshal(payload.Key, &single); err != nil {
			return fmt.Errorf("set_data key must be a string or array of strings")
		}
		path = []string{single}
	}
	if err := b.store.SetPath(path, payload.Value); err != nil {
		return err
	}
	b.persist()
	return nil
}

// Package storage is the bot's shared state store: games with their stats and
// vote tallies, stat definitions, spam rules, and canned responses. The whole
// document lives in memory and is mirrored to the bot_state table on every
// mutation. All mutations happen from the bot's single serial processing
// loop, so the store carries no locking.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/danieljcrabtree/lrrbot/db"
)

// StateKey is the bot_state row the store document is persisted under.
const StateKey = "storage"

// Game is one tracked game: its display identity plus per-stat counters and
// the per-voter good/bad tally.
type Game struct {
	Name    string          `json:"name"`
	Display string          `json:"display,omitempty"`
	Stats   map[string]int  `json:"stats,omitempty"`
	Votes   map[string]bool `json:"votes,omitempty"`
}

// DisplayName returns the operator-set display name, falling back to the
// real name.
func (g *Game) DisplayName() string {
	if g.Display != "" {
		return g.Display
	}
	return g.Name
}

// StatDef describes one trackable stat and how it reads in chat.
type StatDef struct {
	Singular string `json:"singular,omitempty"`
	Plural   string `json:"plural,omitempty"`
	Emote    string `json:"emote,omitempty"`
}

// Display returns the label for count occurrences of stat, defaulting to the
// stat name itself (pluralized with a bare "s") when no label is configured.
func (d StatDef) Display(stat string, count int) string {
	if count == 1 {
		if d.Singular != "" {
			return d.Singular
		}
		return stat
	}
	if d.Plural != "" {
		return d.Plural
	}
	return stat + "s"
}

// SpamRule is one spam pattern with its warning message template.
type SpamRule struct {
	Pattern string `json:"re"`
	Message string `json:"message"`
}

// Response is a canned response: one line, or several alternatives with one
// chosen at random per use. It unmarshals from either a JSON string or an
// array of strings.
type Response []string

func (r *Response) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*r = Response{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("response must be a string or array of strings: %w", err)
	}
	*r = Response(many)
	return nil
}

func (r Response) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

// Pick returns one alternative at random.
func (r Response) Pick() string {
	if len(r) == 0 {
		return ""
	}
	return r[rand.IntN(len(r))]
}

// Data is the full store document.
type Data struct {
	Games     map[string]*Game    `json:"games"`
	Stats     map[string]StatDef  `json:"stats"`
	SpamRules []SpamRule          `json:"spam_rules"`
	Responses map[string]Response `json:"responses"`
}

// Store couples the in-memory document with its database mirror.
type Store struct {
	Data Data

	db  *sql.DB
	log *slog.Logger
}

// Load reads the store document from the database, starting from an empty
// document when none has been saved yet.
func Load(ctx context.Context, database *sql.DB, log *slog.Logger) (*Store, error) {
	s := &Store{db: database, log: log}
	raw, err := db.GetState(ctx, database, StateKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		log.Info("no saved storage document, starting empty")
	case err != nil:
		return nil, fmt.Errorf("load storage: %w", err)
	default:
		if err := json.Unmarshal([]byte(raw), &s.Data); err != nil {
			return nil, fmt.Errorf("decode storage: %w", err)
		}
	}
	if s.Data.Games == nil {
		s.Data.Games = make(map[string]*Game)
	}
	if s.Data.Stats == nil {
		s.Data.Stats = make(map[string]StatDef)
	}
	if s.Data.Responses == nil {
		s.Data.Responses = make(map[string]Response)
	}
	return s, nil
}

// Save mirrors the current document to the database. Called after every
// mutation; a failed save is an error for the caller to log, the in-memory
// document stays authoritative.
func (s *Store) Save(ctx context.Context) error {
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}
	if err := db.PutState(ctx, s.db, StateKey, string(raw)); err != nil {
		return fmt.Errorf("save storage: %w", err)
	}
	return nil
}

// FindGame returns the tracked entry for the given game id, creating one with
// the given name on first sight. Empty id means no game is being played.
func (s *Store) FindGame(id, name string) *Game {
	if id == "" {
		return nil
	}
	g, ok := s.Data.Games[id]
	if !ok {
		g = &Game{Name: name}
		s.Data.Games[id] = g
	} else if g.Name == "" {
		g.Name = name
	}
	return g
}

// StatTotal sums one stat across every tracked game.
func (s *Store) StatTotal(stat string) int {
	total := 0
	for _, g := range s.Data.Games {
		total += g.Stats[stat]
	}
	return total
}

// SetPath applies an externally pushed mutation addressed by a key path. Only
// paths into the known schema are accepted; anything else is rejected so bad
// payloads cannot grow arbitrary new nesting in the document.
//
// Accepted paths:
//
//	games/<id>                    full game object
//	games/<id>/name               string
//	games/<id>/display            string
//	games/<id>/stats/<stat>       int
//	games/<id>/votes/<user>       bool
//	stats/<name>                  stat definition object
//	responses/<command>           string or array of strings
func (s *Store) SetPath(path []string, value json.RawMessage) error {
	if len(path) == 0 {
		return fmt.Errorf("set: empty key path")
	}
	switch path[0] {
	case "games":
		return s.setGamePath(path[1:], value)
	case "stats":
		if len(path) != 2 {
			return fmt.Errorf("set: unknown key path %v", path)
		}
		var def StatDef
		if err := json.Unmarshal(value, &def); err != nil {
			return fmt.Errorf("set %v: %w", path, err)
		}
		s.Data.Stats[path[1]] = def
		return nil
	case "responses":
		if len(path) != 2 {
			return fmt.Errorf("set: unknown key path %v", path)
		}
		var resp Response
		if err := json.Unmarshal(value, &resp); err != nil {
			return fmt.Errorf("set %v: %w", path, err)
		}
		s.Data.Responses[path[1]] = resp
		return nil
	default:
		return fmt.Errorf("set: unknown key path %v", path)
	}
}

func (s *Store) setGamePath(path []string, value json.RawMessage) error {
	if len(path) == 0 {
		return fmt.Errorf("set: game key path needs a game id")
	}
	id := path[0]
	if len(path) == 1 {
		var g Game
		if err := json.Unmarshal(value, &g); err != nil {
			return fmt.Errorf("set games/%s: %w", id, err)
		}
		s.Data.Games[id] = &g
		return nil
	}
	// Validate the remainder of the path before touching the map so an
	// unknown path leaves the document untouched.
	valid := (len(path) == 2 && (path[1] == "name" || path[1] == "display")) ||
		(len(path) == 3 && (path[1] == "stats" || path[1] == "votes"))
	if !valid {
		return fmt.Errorf("set: unknown key path games/%s", strings.Join(path[1:], "/"))
	}
	g, ok := s.Data.Games[id]
	if !ok {
		g = &Game{}
		s.Data.Games[id] = g
	}
	switch {
	case len(path) == 2 && path[1] == "name":
		return unmarshalInto(value, &g.Name, "games/"+id+"/name")
	case len(path) == 2 && path[1] == "display":
		return unmarshalInto(value, &g.Display, "games/"+id+"/display")
	case len(path) == 3 && path[1] == "stats":
		var n int
		if err := unmarshalInto(value, &n, "games/"+id+"/stats/"+path[2]); err != nil {
			return err
		}
		if g.Stats == nil {
			g.Stats = make(map[string]int)
		}
		g.Stats[path[2]] = n
		return nil
	case len(path) == 3 && path[1] == "votes":
		var v bool
		if err := unmarshalInto(value, &v, "games/"+id+"/votes/"+path[2]); err != nil {
			return err
		}
		if g.Votes == nil {
			g.Votes = make(map[string]bool)
		}
		g.Votes[path[2]] = v
		return nil
	default:
		return fmt.Errorf("set: unknown key path games/%s", strings.Join(path[1:], "/"))
	}
}

func unmarshalInto[T any](raw json.RawMessage, dst *T, where string) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("set %s: %w", where, err)
	}
	return nil
}

// GoodVotes counts the true votes on a game.
func (g *Game) GoodVotes() int {
	n := 0
	for _, good := range g.Votes {
		if good {
			n++
		}
	}
	return n
}

// RatingPercent is the rounded percentage of good votes, as printed in chat.
func (g *Game) RatingPercent() int {
	if len(g.Votes) == 0 {
		return 0
	}
	return int(math.Round(float64(100*g.GoodVotes()) / float64(len(g.Votes))))
}

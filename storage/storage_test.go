package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/danieljcrabtree/lrrbot/db"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func emptyStore() *Store {
	return &Store{Data: Data{
		Games:     make(map[string]*Game),
		Stats:     make(map[string]StatDef),
		Responses: make(map[string]Response),
	}}
}

func TestResponseUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"single string", `"lrrSPOOP"`, []string{"lrrSPOOP"}},
		{"array", `["a", "b"]`, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Response
			if err := json.Unmarshal([]byte(tt.in), &r); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if len(r) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(r), len(tt.want))
			}
			for i := range r {
				if r[i] != tt.want[i] {
					t.Errorf("r[%d] = %q, want %q", i, r[i], tt.want[i])
				}
			}
		})
	}

	var r Response
	if err := json.Unmarshal([]byte(`42`), &r); err == nil {
		t.Error("Unmarshal accepted a number")
	}
}

func TestResponseMarshalRoundTrip(t *testing.T) {
	b, err := json.Marshal(Response{"only"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `"only"` {
		t.Errorf("single response marshals to %s, want plain string", b)
	}
	b, err = json.Marshal(Response{"a", "b"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `["a","b"]` {
		t.Errorf("multi response marshals to %s", b)
	}
}

func TestResponsePick(t *testing.T) {
	if got := (Response{}).Pick(); got != "" {
		t.Errorf("empty Pick = %q", got)
	}
	if got := (Response{"x"}).Pick(); got != "x" {
		t.Errorf("Pick = %q", got)
	}
	r := Response{"a", "b", "c"}
	for range 20 {
		got := r.Pick()
		if got != "a" && got != "b" && got != "c" {
			t.Fatalf("Pick returned %q, not an alternative", got)
		}
	}
}

func TestStatDefDisplay(t *testing.T) {
	tests := []struct {
		name  string
		def   StatDef
		stat  string
		count int
		want  string
	}{
		{"singular label", StatDef{Singular: "death", Plural: "deaths"}, "death", 1, "death"},
		{"plural label", StatDef{Singular: "death", Plural: "deaths"}, "death", 2, "deaths"},
		{"zero uses plural", StatDef{Plural: "deaths"}, "death", 0, "deaths"},
		{"singular default", StatDef{}, "flunge", 1, "flunge"},
		{"plural default", StatDef{}, "flunge", 3, "flunges"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.def.Display(tt.stat, tt.count); got != tt.want {
				t.Errorf("Display(%q, %d) = %q, want %q", tt.stat, tt.count, got, tt.want)
			}
		})
	}
}

func TestGameDisplayName(t *testing.T) {
	g := &Game{Name: "Dark Souls"}
	if got := g.DisplayName(); got != "Dark Souls" {
		t.Errorf("DisplayName = %q", got)
	}
	g.Display = "Dork Souls"
	if got := g.DisplayName(); got != "Dork Souls" {
		t.Errorf("DisplayName with override = %q", got)
	}
}

func TestGameRating(t *testing.T) {
	g := &Game{Votes: map[string]bool{"a": true, "b": true, "c": false}}
	if got := g.GoodVotes(); got != 2 {
		t.Errorf("GoodVotes = %d, want 2", got)
	}
	if got := g.RatingPercent(); got != 67 {
		t.Errorf("RatingPercent = %d, want 67", got)
	}
	if got := (&Game{}).RatingPercent(); got != 0 {
		t.Errorf("RatingPercent with no votes = %d, want 0", got)
	}
}

func TestFindGame(t *testing.T) {
	s := emptyStore()
	if g := s.FindGame("", ""); g != nil {
		t.Error("FindGame with empty id should return nil")
	}
	g := s.FindGame("123", "Dark Souls")
	if g == nil || g.Name != "Dark Souls" {
		t.Fatalf("FindGame created %+v", g)
	}
	g.Stats = map[string]int{"death": 5}
	again := s.FindGame("123", "Dark Souls")
	if again != g {
		t.Error("FindGame should return the same entry on repeat lookup")
	}

	// Name backfill for entries pushed without one.
	s.Data.Games["456"] = &Game{}
	if got := s.FindGame("456", "Celeste"); got.Name != "Celeste" {
		t.Errorf("FindGame did not backfill name, got %q", got.Name)
	}
}

func TestStatTotal(t *testing.T) {
	s := emptyStore()
	s.Data.Games["1"] = &Game{Stats: map[string]int{"death": 3}}
	s.Data.Games["2"] = &Game{Stats: map[string]int{"death": 4, "flunge": 1}}
	s.Data.Games["3"] = &Game{}
	if got := s.StatTotal("death"); got != 7 {
		t.Errorf("StatTotal(death) = %d, want 7", got)
	}
	if got := s.StatTotal("flunge"); got != 1 {
		t.Errorf("StatTotal(flunge) = %d, want 1", got)
	}
}

func TestSetPath(t *testing.T) {
	s := emptyStore()
	s.Data.Games["1"] = &Game{Name: "Dark Souls"}

	tests := []struct {
		name  string
		path  []string
		value string
	}{
		{"game display", []string{"games", "1", "display"}, `"Dork Souls"`},
		{"game stat", []string{"games", "1", "stats", "death"}, `12`},
		{"game vote", []string{"games", "1", "votes", "alice"}, `true`},
		{"new game object", []string{"games", "2"}, `{"name":"Celeste","stats":{"death":1}}`},
		{"stat definition", []string{"stats", "flunge"}, `{"singular":"flunge","plural":"flunges"}`},
		{"response", []string{"responses", "advice"}, `["Look left.","Look right."]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.SetPath(tt.path, json.RawMessage(tt.value)); err != nil {
				t.Fatalf("SetPath(%v) error: %v", tt.path, err)
			}
		})
	}

	if s.Data.Games["1"].Display != "Dork Souls" {
		t.Errorf("display = %q", s.Data.Games["1"].Display)
	}
	if s.Data.Games["1"].Stats["death"] != 12 {
		t.Errorf("stat = %d", s.Data.Games["1"].Stats["death"])
	}
	if !s.Data.Games["1"].Votes["alice"] {
		t.Error("vote not recorded")
	}
	if s.Data.Games["2"].Name != "Celeste" {
		t.Errorf("new game = %+v", s.Data.Games["2"])
	}
	if s.Data.Stats["flunge"].Plural != "flunges" {
		t.Errorf("stat def = %+v", s.Data.Stats["flunge"])
	}
	if len(s.Data.Responses["advice"]) != 2 {
		t.Errorf("response = %v", s.Data.Responses["advice"])
	}
}

func TestSetPathRejectsUnknownPaths(t *testing.T) {
	s := emptyStore()
	tests := []struct {
		name  string
		path  []string
		value string
	}{
		{"empty path", nil, `1`},
		{"unknown root", []string{"secrets"}, `1`},
		{"unknown game field", []string{"games", "1", "owner"}, `"me"`},
		{"too-deep stat path", []string{"games", "1", "stats", "death", "extra"}, `1`},
		{"bare stats root", []string{"stats"}, `{}`},
		{"type mismatch", []string{"games", "1", "stats", "death"}, `"twelve"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.SetPath(tt.path, json.RawMessage(tt.value)); err == nil {
				t.Errorf("SetPath(%v) accepted, want error", tt.path)
			}
		})
	}
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestLoadSaveRoundTrip(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	s, err := Load(ctx, database, discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g := s.FindGame("42", "Dark Souls")
	g.Stats = map[string]int{"death": 9}
	s.Data.Stats["death"] = StatDef{Singular: "death", Plural: "deaths"}
	if err := s.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(ctx, database, discardLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := loaded.Data.Games["42"]; got == nil || got.Stats["death"] != 9 {
		t.Errorf("reloaded game = %+v", got)
	}
	if loaded.Data.Stats["death"].Plural != "deaths" {
		t.Errorf("reloaded stat def = %+v", loaded.Data.Stats["death"])
	}
}

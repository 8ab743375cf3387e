package spam

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testDetector(t *testing.T, specs []RuleSpec) *Detector {
	t.Helper()
	d, err := Compile(specs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return d
}

func TestCompileRejectsBadPattern(t *testing.T) {
	_, err := Compile([]RuleSpec{{Pattern: "(unclosed", Message: "x"}},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("Compile accepted invalid pattern")
	}
}

func TestNoMatchPassesThrough(t *testing.T) {
	d := testDetector(t, []RuleSpec{{Pattern: `buy followers`, Message: "follow spam"}})
	lines, matched := d.Check("hello chat", "someuser")
	if matched || lines != nil {
		t.Errorf("Check = %v, %v; want nil, false", lines, matched)
	}
	if d.Offenses("someuser") != 0 {
		t.Error("offense count incremented on non-match")
	}
}

func TestFirstMatchWins(t *testing.T) {
	d := testDetector(t, []RuleSpec{
		{Pattern: `spam`, Message: "first rule"},
		{Pattern: `spam bot`, Message: "second rule"},
	})
	lines, matched := d.Check("spam bot here", "eve")
	if !matched {
		t.Fatal("expected a match")
	}
	if !strings.Contains(lines[1], "first rule") {
		t.Errorf("warning = %q, want first rule's message", lines[1])
	}
}

func TestCaptureGroupSubstitution(t *testing.T) {
	d := testDetector(t, []RuleSpec{
		{Pattern: `visit (\S+) now`, Message: "links to $1"},
	})
	lines, matched := d.Check("visit evil.example now", "eve")
	if !matched {
		t.Fatal("expected a match")
	}
	if !strings.Contains(lines[1], "links to evil.example") {
		t.Errorf("warning = %q, want substituted capture", lines[1])
	}
}

func TestEscalation(t *testing.T) {
	d := testDetector(t, []RuleSpec{{Pattern: `spam`, Message: "spam"}})

	tests := []struct {
		sender      string
		wantCommand string
		wantWarning string
	}{
		{"Eve", ".timeout Eve 1", "Eve: Message deleted, auto-detected spam (spam). Please contact mrphlip or d3fr0st5 if this is incorrect."},
		{"eve", ".timeout eve", "eve: Timeout for auto-detected spam (spam). Please contact mrphlip or d3fr0st5 if this is incorrect."},
		{"EVE", ".ban EVE", "EVE: Banned persistent spam (spam). Please contact mrphlip or d3fr0st5 if this is incorrect."},
		{"eve", ".ban eve", "eve: Banned persistent spam (spam). Please contact mrphlip or d3fr0st5 if this is incorrect."},
	}
	for i, tt := range tests {
		lines, matched := d.Check("spam", tt.sender)
		if !matched {
			t.Fatalf("offense %d: expected a match", i+1)
		}
		if len(lines) != 2 {
			t.Fatalf("offense %d: got %d lines, want 2", i+1, len(lines))
		}
		if lines[0] != tt.wantCommand {
			t.Errorf("offense %d: command = %q, want %q", i+1, lines[0], tt.wantCommand)
		}
		if lines[1] != tt.wantWarning {
			t.Errorf("offense %d: warning = %q, want %q", i+1, lines[1], tt.wantWarning)
		}
	}
}

func TestOffenseCountsPerUser(t *testing.T) {
	d := testDetector(t, []RuleSpec{{Pattern: `spam`, Message: "spam"}})
	d.Check("spam", "alice")
	d.Check("spam", "bob")
	lines, _ := d.Check("spam", "bob")
	if lines[0] != ".timeout bob" {
		t.Errorf("bob's second offense = %q, want standard timeout", lines[0])
	}
	lines, _ = d.Check("spam", "alice")
	if lines[0] != ".timeout alice" {
		t.Errorf("alice's second offense = %q, want standard timeout", lines[0])
	}
}

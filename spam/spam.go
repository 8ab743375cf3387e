// Package spam matches inbound channel messages against an ordered list of
// patterns and escalates penalties per offender: a 1-second timeout on the
// first offense, a standard timeout on the second, and a permanent ban from
// the third onward. Offense counts are process-lifetime only.
package spam

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// RuleSpec is an uncompiled spam rule: a regular expression and a message
// template that may reference capture groups with $1, $2, ...
type RuleSpec struct {
	Pattern string
	Message string
}

type rule struct {
	re      *regexp.Regexp
	message string
}

// Detector holds the compiled rules and the per-user offense counts. It is
// accessed only from the bot's serial processing loop and carries no locking.
type Detector struct {
	rules    []rule
	offenses map[string]int
	log      *slog.Logger
}

// Compile builds a Detector from rule specs, preserving declaration order.
func Compile(specs []RuleSpec, log *slog.Logger) (*Detector, error) {
	d := &Detector{
		offenses: make(map[string]int),
		log:      log,
	}
	for i, s := range specs {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("spam rule %d: compile %q: %w", i, s.Pattern, err)
		}
		d.rules = append(d.rules, rule{re: re, message: s.Message})
	}
	return d, nil
}

// Check tries each rule in order against message. On the first match it
// increments sender's offense count and returns the moderation commands and
// warning line to send to the channel, with matched true. A message matching
// no rule returns matched false and must continue through normal command
// processing. Callers must only invoke this for channel messages; whispers
// are never spam-checked.
func (d *Detector) Check(message, sender string) (lines []string, matched bool) {
	for _, r := range d.rules {
		m := r.re.FindStringSubmatchIndex(message)
		if m == nil {
			continue
		}
		desc := string(r.re.ExpandString(nil, r.message, message, m))
		key := strings.ToLower(sender)
		d.offenses[key]++
		level := d.offenses[key]
		d.log.Info("detected spam",
			slog.String("sender", sender),
			slog.String("message", message),
			slog.String("pattern", r.re.String()),
			slog.Int("level", level))
		switch {
		case level <= 1:
			lines = append(lines,
				fmt.Sprintf(".timeout %s 1", sender),
				fmt.Sprintf("%s: Message deleted, auto-detected spam (%s). Please contact mrphlip or d3fr0st5 if this is incorrect.", sender, desc))
		case level <= 2:
			lines = append(lines,
				fmt.Sprintf(".timeout %s", sender),
				fmt.Sprintf("%s: Timeout for auto-detected spam (%s). Please contact mrphlip or d3fr0st5 if this is incorrect.", sender, desc))
		default:
			lines = append(lines,
				fmt.Sprintf(".ban %s", sender),
				fmt.Sprintf("%s: Banned persistent spam (%s). Please contact mrphlip or d3fr0st5 if this is incorrect.", sender, desc))
		}
		return lines, true
	}
	return nil, false
}

// Offenses returns sender's current offense count.
func (d *Detector) Offenses(sender string) int {
	return d.offenses[strings.ToLower(sender)]
}

// Package oauth keeps the bot's chat token fresh. Tokens live in the
// oauth_tokens table (encrypted at rest when an encryption key is set); a
// background refresher wakes on a jittered interval and refreshes any token
// whose remaining lifetime has fallen inside the configured window.
package oauth

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	dbpkg "github.com/danieljcrabtree/lrrbot/db"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that periodically checks an oauth token
// row and refreshes it. provider is the key in the oauth_tokens table;
// interval is how often to wake up; window is the remaining lifetime at which
// a refresh is triggered.
func StartRefresher(ctx context.Context, db *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	go func() {
		// Randomize initial delay to spread load across instances.
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			refreshOnce(ctx, db, provider, window, fn)
		}
	}()
}

func refreshOnce(ctx context.Context, db *sql.DB, provider string, window time.Duration, fn RefreshFunc) {
	_, rt, exp, scope, err := dbpkg.GetOAuthToken(ctx, db, provider)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("token lookup failed", slog.String("provider", provider), slog.Any("err", err))
		}
		return
	}
	if rt == "" {
		return
	}
	if time.Until(exp) > window {
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := fn(ctx2, rt)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	if newRT == "" {
		newRT = rt
	}
	if newScope == "" {
		newScope = scope
	}
	if err := dbpkg.UpsertOAuthToken(ctx, db, provider, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		slog.Warn("token persist failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	slog.Info("token refreshed", slog.String("provider", provider))
}

// Package chatlog records channel messages in the chat_log table and serves
// the recent-history lookups the moderator action notifier attaches to its
// notices.
package chatlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Line is one logged chat message.
type Line struct {
	ID      int64
	Time    time.Time
	Message string
}

// Record inserts one channel message. Source is stored lowercased so history
// lookups are case-insensitive.
func Record(ctx context.Context, db *sql.DB, source, target, message string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO chat_log (source, target, time, message) VALUES ($1, $2, $3, $4)`,
		strings.ToLower(source), target, time.Now().UTC(), message)
	if err != nil {
		return fmt.Errorf("record chat line: %w", err)
	}
	return nil
}

// Recent returns up to limit of the user's most recent lines since the given
// time, ordered oldest first.
func Recent(ctx context.Context, db *sql.DB, source string, since time.Time, limit int) ([]Line, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, time, message FROM chat_log
		 WHERE source = $1 AND time > $2
		 ORDER BY time DESC LIMIT $3`,
		strings.ToLower(source), since, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat log: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.Time, &l.Message); err != nil {
			return nil, fmt.Errorf("scan chat line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read chat log: %w", err)
	}
	// The query selects newest-first to apply the limit; present oldest-first.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

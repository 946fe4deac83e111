package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/twinline-core/internal/infrastructure/database"
)

// SQLiteDeadLetters stores dead-lettered alerts in alert_dead_letters.
type SQLiteDeadLetters struct {
	db *database.DB
}

// NewSQLiteDeadLetters creates a store on a migrated database.
func NewSQLiteDeadLetters(db *database.DB) *SQLiteDeadLetters {
	return &SQLiteDeadLetters{db: db}
}

// Record implements DeadLetterStore.
func (s *SQLiteDeadLetters) Record(ctx context.Context, d DeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_dead_letters
			(message_id, device_id, alert_type, body, deliveries, reason, enqueued_at, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.MessageID, nullable(d.DeviceID), nullable(d.AlertType), d.Body, d.Deliveries, d.Reason,
		d.EnqueuedAt.UTC().Format(time.RFC3339Nano), d.DeadLetteredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording dead letter %s: %w", d.MessageID, err)
	}
	return nil
}

// List returns the most recent dead letters, newest first.
func (s *SQLiteDeadLetters) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, COALESCE(device_id, ''), COALESCE(alert_type, ''), body,
		       deliveries, reason, enqueued_at, dead_lettered_at
		FROM alert_dead_letters
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var enqueued, dead string
		if err := rows.Scan(&d.ID, &d.MessageID, &d.DeviceID, &d.AlertType, &d.Body,
			&d.Deliveries, &d.Reason, &enqueued, &dead); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		d.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueued)
		d.DeadLetteredAt, _ = time.Parse(time.RFC3339Nano, dead)
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

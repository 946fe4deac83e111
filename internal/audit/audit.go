// Package audit records operator actions taken through the admin API.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/twinline-core/internal/infrastructure/database"
)

// Actions.
const (
	ActionLogin         = "login"
	ActionDeviceStart   = "device.start"
	ActionDeviceStop    = "device.stop"
	ActionTwinDesired   = "twin.desired"
	ActionCommandInvoke = "command.invoke"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Page size limits.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Entry is one recorded operator action.
type Entry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Device    string         `json:"device,omitempty"`
	Operator  string         `json:"operator"`
	Outcome   string         `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter selects entries. Empty fields match everything.
type Filter struct {
	Action   string
	Device   string
	Operator string
	Limit    int
	Offset   int
}

// Page is one page of entries, newest first.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Store keeps audit entries.
type Store interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) (*Page, error)
}

// SQLiteStore keeps entries in the operator_audit table.
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore creates a store on a migrated database.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Create inserts an entry. ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "aud-" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}

	var details any
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		details = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operator_audit (id, action, device, operator, outcome, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, nullable(e.Device), e.Operator, e.Outcome, details,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// List returns entries matching f, newest first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) (*Page, error) {
	f.Limit = clampLimit(f.Limit)
	if f.Offset < 0 {
		f.Offset = 0
	}

	var conds []string
	var args []any
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.Device != "" {
		conds = append(conds, "device = ?")
		args = append(args, f.Device)
	}
	if f.Operator != "" {
		conds = append(conds, "operator = ?")
		args = append(args, f.Operator)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM operator_audit "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, action, device, operator, outcome, details, created_at FROM operator_audit "+
			where+" ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var device, details sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.Action, &device, &e.Operator, &e.Outcome, &details, &created); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Device = device.String
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", created, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &Page{Entries: entries, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	default:
		return n
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

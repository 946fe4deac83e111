package twin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/twinline-core/internal/infrastructure/database"
)

// SQLiteStore keeps twin documents in the twins table.
//
// Updates run read-modify-write inside a transaction and finish with a
// conditional UPDATE on the version column, so a concurrent writer that
// moved first turns into ErrConflict.
type SQLiteStore struct {
	db  *database.DB
	hub watchHub
}

// NewSQLiteStore creates a store on a migrated database.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

type sqliteRow struct {
	desired  Properties
	reported Properties
	version  int64
}

// load reads the row for deviceID, inserting an empty document if none exists.
func (s *SQLiteStore) load(ctx context.Context, tx *sql.Tx, deviceID string) (*sqliteRow, error) {
	var desired, reported string
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT desired, reported, version FROM twins WHERE device_id = ?`, deviceID,
	).Scan(&desired, &reported, &version)

	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO twins (device_id, desired, reported, version, updated_at) VALUES (?, '{}', '{}', 1, ?)`,
			deviceID, time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, fmt.Errorf("twin: creating %s: %w", deviceID, err)
		}
		return &sqliteRow{desired: Properties{}, reported: Properties{}, version: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("twin: loading %s: %w", deviceID, err)
	}

	row := &sqliteRow{version: version}
	if row.desired, err = decode([]byte(desired)); err != nil {
		return nil, err
	}
	if row.reported, err = decode([]byte(reported)); err != nil {
		return nil, err
	}
	return row, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, deviceID string) (*Document, error) {
	if err := checkID(deviceID); err != nil {
		return nil, err
	}
	var doc *Document
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := s.load(ctx, tx, deviceID)
		if err != nil {
			return err
		}
		doc = &Document{
			DeviceID: deviceID,
			Desired:  row.desired,
			Reported: row.reported,
			ETag:     strconv.FormatInt(row.version, 10),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// UpdateReported implements Store.
func (s *SQLiteStore) UpdateReported(ctx context.Context, deviceID string, patch Properties, etag string) (string, error) {
	tag, _, err := s.update(ctx, deviceID, patch, etag, false)
	return tag, err
}

// UpdateDesired implements Store.
func (s *SQLiteStore) UpdateDesired(ctx context.Context, deviceID string, patch Properties, etag string) (string, error) {
	tag, desired, err := s.update(ctx, deviceID, patch, etag, true)
	if err != nil {
		return "", err
	}
	s.hub.publish(deviceID, desired)
	return tag, nil
}

func (s *SQLiteStore) update(ctx context.Context, deviceID string, patch Properties, etag string, desired bool) (string, Properties, error) {
	if err := checkID(deviceID); err != nil {
		return "", nil, err
	}

	var newTag string
	var newDesired Properties
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := s.load(ctx, tx, deviceID)
		if err != nil {
			return err
		}
		if etag != AnyETag && etag != strconv.FormatInt(row.version, 10) {
			return ErrConflict
		}

		if desired {
			row.desired, err = applyPatch(row.desired, patch)
		} else {
			row.reported, err = applyPatch(row.reported, patch)
		}
		if err != nil {
			return err
		}

		desiredJSON, err := json.Marshal(row.desired)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPatch, err)
		}
		reportedJSON, err := json.Marshal(row.reported)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPatch, err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE twins SET desired = ?, reported = ?, version = version + 1, updated_at = ?
			 WHERE device_id = ? AND version = ?`,
			string(desiredJSON), string(reportedJSON), time.Now().UTC().Format(time.RFC3339Nano),
			deviceID, row.version,
		)
		if err != nil {
			return fmt.Errorf("twin: updating %s: %w", deviceID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return ErrConflict
		}

		newTag = strconv.FormatInt(row.version+1, 10)
		newDesired = row.desired
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return newTag, newDesired, nil
}

// WatchDesired implements Store. Only changes made through this store
// instance are observed.
func (s *SQLiteStore) WatchDesired(ctx context.Context, deviceID string, fn func(Properties)) (func(), error) {
	if err := checkID(deviceID); err != nil {
		return nil, err
	}
	return s.hub.add(ctx, deviceID, fn), nil
}

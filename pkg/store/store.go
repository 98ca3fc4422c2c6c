// Package store implements the persistence layer: hand-written SQL over the
// shared database/sql pool. Each aggregate gets one store type; services
// depend on the interfaces they declare, satisfied by these types.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors returned by stores. Services translate them at their own
// boundary.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates a uniqueness constraint was violated.
	ErrDuplicate = errors.New("duplicate")

	// ErrConflict indicates a conditional update matched no row because the
	// row is no longer in the required state.
	ErrConflict = errors.New("conflict")
)

const uniqueViolationCode = "23505"

// translateErr maps low-level SQL errors onto the store sentinels.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return ErrDuplicate
	}
	return err
}

// marshalJSON encodes v for a jsonb column.
func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jsonb value: %w", err)
	}
	return data, nil
}

// unmarshalJSON decodes a jsonb column into out, tolerating NULL.
func unmarshalJSON(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode jsonb value: %w", err)
	}
	return nil
}

// timePtr converts a nullable scan target to *time.Time.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

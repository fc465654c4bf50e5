package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmpool/vmpool/pkg/engine"
)

// ReserveNames reserves the VM names of a request. A zero start draws the
// next number from the prefix's sequence; any reservation advances the
// sequence past its range so later draws never collide with it.
func (s *SQLiteStore) ReserveNames(ctx context.Context, requestID, prefix string, start, quantity int, at time.Time) (int, error) {
	if quantity < 1 {
		return 0, &engine.ValidationError{Field: "quantity", Reason: "must be at least 1"}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		next := 1
		err := tx.QueryRowContext(ctx,
			`SELECT next_number FROM name_sequences WHERE prefix = ?`, prefix,
		).Scan(&next)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read name sequence: %w", err)
		}
		if start == 0 {
			start = next
		}

		now := formatTime(at)
		for i := 0; i < quantity; i++ {
			name := engine.VMName(prefix, start+i)

			var holder string
			err := tx.QueryRowContext(ctx,
				`SELECT request_id FROM vm_names WHERE name = ?`, name,
			).Scan(&holder)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("failed to check vm name: %w", err)
			case holder == requestID:
				continue
			default:
				return &engine.ValidationError{
					Field:  "start_number",
					Reason: fmt.Sprintf("vm name %s is already reserved by request %s", name, holder),
				}
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO vm_names (name, request_id, reserved_at) VALUES (?, ?, ?)`,
				name, requestID, now,
			); err != nil {
				return fmt.Errorf("failed to reserve vm name %s: %w", name, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE requests SET start_number = ? WHERE id = ?`, start, requestID,
		); err != nil {
			return fmt.Errorf("failed to record start number: %w", err)
		}

		query := `
			INSERT INTO name_sequences (prefix, next_number) VALUES (?, ?)
			ON CONFLICT(prefix) DO UPDATE SET next_number = MAX(next_number, excluded.next_number)
		`
		if _, err := tx.ExecContext(ctx, query, prefix, start+quantity); err != nil {
			return fmt.Errorf("failed to advance name sequence: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return start, nil
}

// ReleaseNames frees every name the request holds.
func (s *SQLiteStore) ReleaseNames(ctx context.Context, requestID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vm_names WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("failed to release vm names: %w", err)
	}
	return nil
}

// ReservedNames lists the names a request holds, in name order.
func (s *SQLiteStore) ReservedNames(ctx context.Context, requestID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM vm_names WHERE request_id = ? ORDER BY name ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vm names: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan vm name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating vm names: %w", err)
	}
	return names, nil
}

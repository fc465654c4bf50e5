package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vmpool/vmpool/pkg/engine"
)

// SaveAllocation records an active allocation. An interface may hold only
// one active allocation.
func (s *SQLiteStore) SaveAllocation(ctx context.Context, alloc *engine.IPAllocation) error {
	if alloc.Status == "" {
		alloc.Status = engine.AllocationActive
	}

	query := `
		INSERT INTO ip_allocations (request_id, interface, address, reference, status, allocated_at, released_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		alloc.RequestID,
		alloc.Interface,
		alloc.Address,
		alloc.Reference,
		string(alloc.Status),
		formatTime(alloc.AllocatedAt),
		formatTimePtr(alloc.ReleasedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return &engine.AllocationError{
				Message: fmt.Sprintf("interface %s already holds an active allocation", alloc.Interface),
				Err:     err,
			}
		}
		return fmt.Errorf("failed to save allocation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get allocation ID: %w", err)
	}
	alloc.ID = id
	return nil
}

// UpdateAllocationStatus marks an allocation released or abandoned.
func (s *SQLiteStore) UpdateAllocationStatus(ctx context.Context, id int64, status engine.AllocationStatus, at time.Time) error {
	var releasedAt interface{}
	if status != engine.AllocationActive {
		releasedAt = formatTime(at)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE ip_allocations SET status = ?, released_at = ? WHERE id = ?`,
		string(status), releasedAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("allocation not found: %d", id)
	}
	return nil
}

// ListAllocations returns a request's allocations in the order they were made.
func (s *SQLiteStore) ListAllocations(ctx context.Context, requestID string) ([]engine.IPAllocation, error) {
	query := `
		SELECT id, request_id, interface, address, reference, status, allocated_at, released_at
		FROM ip_allocations
		WHERE request_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	allocs := []engine.IPAllocation{}
	for rows.Next() {
		var (
			alloc               engine.IPAllocation
			status, allocatedAt string
			releasedAt          sql.NullString
		)
		if err := rows.Scan(
			&alloc.ID,
			&alloc.RequestID,
			&alloc.Interface,
			&alloc.Address,
			&alloc.Reference,
			&status,
			&allocatedAt,
			&releasedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		alloc.Status = engine.AllocationStatus(status)
		if alloc.AllocatedAt, err = parseTime(allocatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse allocation time: %w", err)
		}
		if alloc.ReleasedAt, err = parseNullTime(releasedAt); err != nil {
			return nil, fmt.Errorf("failed to parse release time: %w", err)
		}
		allocs = append(allocs, alloc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating allocations: %w", err)
	}
	return allocs, nil
}

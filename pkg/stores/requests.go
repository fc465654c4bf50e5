package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmpool/vmpool/pkg/engine"
)

const requestColumns = `
	id, requester, prefix, cpus, memory_mb, disk_gb, quantity, start_number,
	additional_disks, network, timezone, environment, state, failure_reason,
	failure_kind, last_stage, approval_decision, approval_actor, approval_comment,
	approval_decided_at, resubmitted_from, created_at, updated_at,
	state_entered_at, completed_at`

// CreateRequest inserts a new request and its submission audit record.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *engine.BuildRequest, actor string) error {
	disks, err := json.Marshal(diskColumn(req.AdditionalDisks))
	if err != nil {
		return fmt.Errorf("failed to encode disks: %w", err)
	}
	network, err := json.Marshal(req.Network)
	if err != nil {
		return fmt.Errorf("failed to encode network: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO requests (
				id, requester, prefix, cpus, memory_mb, disk_gb, quantity, start_number,
				additional_disks, network, timezone, environment, state, last_stage,
				resubmitted_from, created_at, updated_at, state_entered_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, query,
			req.ID,
			req.Requester,
			req.Prefix,
			req.CPUs,
			req.MemoryMB,
			req.DiskGB,
			req.Quantity,
			req.StartNumber,
			string(disks),
			string(network),
			req.Timezone,
			req.Environment,
			string(req.State),
			nullIfEmpty(string(req.LastStage)),
			nullIfEmpty(req.ResubmittedFrom),
			formatTime(req.CreatedAt),
			formatTime(req.UpdatedAt),
			formatTime(req.StateEnteredAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		return insertAudit(ctx, tx, &engine.AuditRecord{
			RequestID: req.ID,
			Kind:      engine.AuditTransition,
			To:        req.State,
			Actor:     actor,
			Message:   "submitted",
			At:        req.CreatedAt,
		})
	})
}

// GetRequest retrieves a request by ID
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*engine.BuildRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = ?`

	req, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// ListRequests lists requests in a state, oldest first. An empty state lists all.
func (s *SQLiteStore) ListRequests(ctx context.Context, state engine.State) ([]*engine.BuildRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM requests
		WHERE (? = '' OR state = ?)
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(state), string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	requests := []*engine.BuildRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating requests: %w", err)
	}
	return requests, nil
}

// Transition applies a check-and-set state change and appends its audit
// record in one transaction.
func (s *SQLiteStore) Transition(ctx context.Context, t engine.Transition) (*engine.AuditRecord, error) {
	rec := &engine.AuditRecord{
		RequestID:     t.RequestID,
		Kind:          engine.AuditTransition,
		From:          t.From,
		To:            t.To,
		Actor:         t.Actor,
		Message:       t.Message,
		ErrorKind:     t.FailureKind,
		PlanResultID:  t.PlanResultID,
		ApplyResultID: t.ApplyResultID,
		At:            t.At,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var completedAt interface{}
		if t.To.IsTerminal() {
			completedAt = formatTime(t.At)
		}
		var decision, approver, comment, decidedAt interface{}
		if t.Approval != nil {
			decision = string(t.Approval.Decision)
			approver = t.Approval.Actor
			comment = nullIfEmpty(t.Approval.Comment)
			decidedAt = formatTime(t.Approval.DecidedAt)
		}

		query := `
			UPDATE requests SET
				state = ?,
				state_entered_at = ?,
				updated_at = ?,
				failure_reason = COALESCE(?, failure_reason),
				failure_kind = COALESCE(?, failure_kind),
				last_stage = COALESCE(?, last_stage),
				approval_decision = COALESCE(?, approval_decision),
				approval_actor = COALESCE(?, approval_actor),
				approval_comment = COALESCE(?, approval_comment),
				approval_decided_at = COALESCE(?, approval_decided_at),
				completed_at = COALESCE(?, completed_at)
			WHERE id = ? AND state = ?
		`
		res, err := tx.ExecContext(ctx, query,
			string(t.To),
			formatTime(t.At),
			formatTime(t.At),
			nullIfEmpty(t.FailureReason),
			nullIfEmpty(string(t.FailureKind)),
			nullIfEmpty(string(t.LastStage)),
			decision,
			approver,
			comment,
			decidedAt,
			completedAt,
			t.RequestID,
			string(t.From),
		)
		if err != nil {
			return fmt.Errorf("failed to update request state: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT state FROM requests WHERE id = ?`, t.RequestID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", engine.ErrRequestNotFound, t.RequestID)
			}
			if err != nil {
				return fmt.Errorf("failed to read request state: %w", err)
			}
			return &engine.StaleStateError{
				RequestID: t.RequestID,
				Expected:  t.From,
				Actual:    engine.State(current),
			}
		}

		return insertAudit(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*engine.BuildRequest, error) {
	var (
		req                                    engine.BuildRequest
		state, disks, network                  string
		failureReason, failureKind, lastStage  sql.NullString
		decision, approver, comment, decidedAt sql.NullString
		resubmittedFrom, completedAt           sql.NullString
		createdAt, updatedAt, stateEnteredAt   string
	)

	err := row.Scan(
		&req.ID,
		&req.Requester,
		&req.Prefix,
		&req.CPUs,
		&req.MemoryMB,
		&req.DiskGB,
		&req.Quantity,
		&req.StartNumber,
		&disks,
		&network,
		&req.Timezone,
		&req.Environment,
		&state,
		&failureReason,
		&failureKind,
		&lastStage,
		&decision,
		&approver,
		&comment,
		&decidedAt,
		&resubmittedFrom,
		&createdAt,
		&updatedAt,
		&stateEnteredAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	req.State = engine.State(state)
	req.FailureReason = failureReason.String
	req.FailureKind = engine.ErrorKind(failureKind.String)
	req.LastStage = engine.Stage(lastStage.String)
	req.ResubmittedFrom = resubmittedFrom.String

	var dc diskColumn
	if err := json.Unmarshal([]byte(disks), &dc); err != nil {
		return nil, fmt.Errorf("failed to decode disks: %w", err)
	}
	req.AdditionalDisks = []engine.Disk(dc)
	if err := json.Unmarshal([]byte(network), &req.Network); err != nil {
		return nil, fmt.Errorf("failed to decode network: %w", err)
	}

	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if req.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if req.StateEnteredAt, err = parseTime(stateEnteredAt); err != nil {
		return nil, err
	}
	if req.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}

	if decision.Valid {
		at, err := parseTime(decidedAt.String)
		if err != nil {
			return nil, err
		}
		req.Approval = &engine.Approval{
			Decision:  engine.Decision(decision.String),
			Actor:     approver.String,
			Comment:   comment.String,
			DecidedAt: at,
		}
	}

	return &req, nil
}

package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/vmpool/vmpool/pkg/engine"
)

// SavePlanResult appends a plan attempt, numbering it after the previous ones.
func (s *SQLiteStore) SavePlanResult(ctx context.Context, res *engine.PlanResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		attempt, err := nextAttempt(ctx, tx, "plan_results", res.RequestID)
		if err != nil {
			return err
		}

		query := `
			INSERT INTO plan_results (
				request_id, attempt, success, add_count, change_count, destroy_count,
				summary_text, output, exit_status, failure_reason, error_kind, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		result, err := tx.ExecContext(ctx, query,
			res.RequestID,
			attempt,
			boolToInt(res.Success),
			res.Summary.Add,
			res.Summary.Change,
			res.Summary.Destroy,
			nullIfEmpty(res.SummaryText),
			nullIfEmpty(res.Output),
			res.ExitStatus,
			nullIfEmpty(res.FailureReason),
			nullIfEmpty(string(res.ErrorKind)),
			formatTime(res.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save plan result: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get plan result ID: %w", err)
		}
		res.ID = id
		res.Attempt = attempt
		return nil
	})
}

// ListPlanResults returns a request's plan attempts in order.
func (s *SQLiteStore) ListPlanResults(ctx context.Context, requestID string) ([]engine.PlanResult, error) {
	query := `
		SELECT id, request_id, attempt, success, add_count, change_count, destroy_count,
		       summary_text, output, exit_status, failure_reason, error_kind, created_at
		FROM plan_results
		WHERE request_id = ?
		ORDER BY attempt ASC
	`

	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan results: %w", err)
	}
	defer rows.Close()

	results := []engine.PlanResult{}
	for rows.Next() {
		var (
			res                           engine.PlanResult
			success                       int
			summary, output, reason, kind sql.NullString
			createdAt                     string
		)
		if err := rows.Scan(
			&res.ID,
			&res.RequestID,
			&res.Attempt,
			&success,
			&res.Summary.Add,
			&res.Summary.Change,
			&res.Summary.Destroy,
			&summary,
			&output,
			&res.ExitStatus,
			&reason,
			&kind,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan plan result: %w", err)
		}
		res.Success = success == 1
		res.SummaryText = summary.String
		res.Output = output.String
		res.FailureReason = reason.String
		res.ErrorKind = engine.ErrorKind(kind.String)
		if res.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse plan result time: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plan results: %w", err)
	}
	return results, nil
}

// SaveApplyResult appends an apply attempt.
func (s *SQLiteStore) SaveApplyResult(ctx context.Context, res *engine.ApplyResult) error {
	resourceIDs, err := json.Marshal(stringList(res.ResourceIDs))
	if err != nil {
		return fmt.Errorf("failed to encode resource IDs: %w", err)
	}
	addresses, err := json.Marshal(stringList(res.Addresses))
	if err != nil {
		return fmt.Errorf("failed to encode addresses: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		attempt, err := nextAttempt(ctx, tx, "apply_results", res.RequestID)
		if err != nil {
			return err
		}

		query := `
			INSERT INTO apply_results (
				request_id, attempt, success, summary_text, output, exit_status,
				resource_ids, addresses, failure_reason, error_kind, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		result, err := tx.ExecContext(ctx, query,
			res.RequestID,
			attempt,
			boolToInt(res.Success),
			nullIfEmpty(res.SummaryText),
			nullIfEmpty(res.Output),
			res.ExitStatus,
			string(resourceIDs),
			string(addresses),
			nullIfEmpty(res.FailureReason),
			nullIfEmpty(string(res.ErrorKind)),
			formatTime(res.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save apply result: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get apply result ID: %w", err)
		}
		res.ID = id
		res.Attempt = attempt
		return nil
	})
}

// ListApplyResults returns a request's apply attempts in order.
func (s *SQLiteStore) ListApplyResults(ctx context.Context, requestID string) ([]engine.ApplyResult, error) {
	query := `
		SELECT id, request_id, attempt, success, summary_text, output, exit_status,
		       resource_ids, addresses, failure_reason, error_kind, created_at
		FROM apply_results
		WHERE request_id = ?
		ORDER BY attempt ASC
	`

	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list apply results: %w", err)
	}
	defer rows.Close()

	results := []engine.ApplyResult{}
	for rows.Next() {
		var (
			res                           engine.ApplyResult
			success                       int
			summary, output, reason, kind sql.NullString
			resourceIDs, addresses        string
			createdAt                     string
		)
		if err := rows.Scan(
			&res.ID,
			&res.RequestID,
			&res.Attempt,
			&success,
			&summary,
			&output,
			&res.ExitStatus,
			&resourceIDs,
			&addresses,
			&reason,
			&kind,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan apply result: %w", err)
		}
		res.Success = success == 1
		res.SummaryText = summary.String
		res.Output = output.String
		res.FailureReason = reason.String
		res.ErrorKind = engine.ErrorKind(kind.String)
		if err := json.Unmarshal([]byte(resourceIDs), &res.ResourceIDs); err != nil {
			return nil, fmt.Errorf("failed to decode resource IDs: %w", err)
		}
		if err := json.Unmarshal([]byte(addresses), &res.Addresses); err != nil {
			return nil, fmt.Errorf("failed to decode addresses: %w", err)
		}
		if res.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse apply result time: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating apply results: %w", err)
	}
	return results, nil
}

// nextAttempt returns the next attempt number for a request in a results table.
func nextAttempt(ctx context.Context, tx *sql.Tx, table, requestID string) (int, error) {
	var attempt int
	query := fmt.Sprintf(`SELECT COALESCE(MAX(attempt), 0) + 1 FROM %s WHERE request_id = ?`, table)
	if err := tx.QueryRowContext(ctx, query, requestID).Scan(&attempt); err != nil {
		return 0, fmt.Errorf("failed to compute attempt number: %w", err)
	}
	return attempt, nil
}

package stores

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vmpool/vmpool/pkg/engine"
)

// AppendAudit appends a non-transition audit record with the next sequence number.
func (s *SQLiteStore) AppendAudit(ctx context.Context, rec *engine.AuditRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertAudit(ctx, tx, rec)
	})
}

// insertAudit assigns the record's sequence number and ID.
func insertAudit(ctx context.Context, tx *sql.Tx, rec *engine.AuditRecord) error {
	var seq int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM audit WHERE request_id = ?`,
		rec.RequestID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to compute audit sequence: %w", err)
	}

	query := `
		INSERT INTO audit (
			request_id, seq, kind, from_state, to_state, actor, message,
			error_kind, plan_result_id, apply_result_id, at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		rec.RequestID,
		seq,
		string(rec.Kind),
		nullIfEmpty(string(rec.From)),
		nullIfEmpty(string(rec.To)),
		rec.Actor,
		nullIfEmpty(rec.Message),
		nullIfEmpty(string(rec.ErrorKind)),
		nullInt64(rec.PlanResultID),
		nullInt64(rec.ApplyResultID),
		formatTime(rec.At),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit record ID: %w", err)
	}
	rec.ID = id
	rec.Seq = seq
	return nil
}

// ListAudit returns a request's audit records in sequence order.
func (s *SQLiteStore) ListAudit(ctx context.Context, requestID string) ([]engine.AuditRecord, error) {
	query := `
		SELECT id, request_id, seq, kind, from_state, to_state, actor, message,
		       error_kind, plan_result_id, apply_result_id, at
		FROM audit
		WHERE request_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	records := []engine.AuditRecord{}
	for rows.Next() {
		var (
			rec                          engine.AuditRecord
			kind, at                     string
			from, to, message, errorKind sql.NullString
			planID, applyID              sql.NullInt64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.RequestID,
			&rec.Seq,
			&kind,
			&from,
			&to,
			&rec.Actor,
			&message,
			&errorKind,
			&planID,
			&applyID,
			&at,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		rec.Kind = engine.AuditKind(kind)
		rec.From = engine.State(from.String)
		rec.To = engine.State(to.String)
		rec.Message = message.String
		rec.ErrorKind = engine.ErrorKind(errorKind.String)
		if planID.Valid {
			id := planID.Int64
			rec.PlanResultID = &id
		}
		if applyID.Valid {
			id := applyID.Int64
			rec.ApplyResultID = &id
		}
		if rec.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("failed to parse audit time: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return records, nil
}

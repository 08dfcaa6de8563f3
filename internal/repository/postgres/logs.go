package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
)

// AppendLogs persists log lines in order. Appends hold the build row lock, like
// UpdateBuild, so a build's log ids are assigned in commit order and a reader
// resuming after a seen id cannot miss a line committed later.
func (r *Repository) AppendLogs(ctx context.Context, buildID string, lines ...domain.LogLine) ([]domain.LogLine, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	if err := lockBuild(ctx, tx, buildID); err != nil {
		return nil, err
	}
	stored, err := insertLogs(ctx, tx, buildID, lines)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stored, nil
}

// ListLogs fetches lines after afterSeq in append order.
func (r *Repository) ListLogs(ctx context.Context, buildID string, afterSeq int64) ([]domain.LogLine, error) {
	if err := r.ensureBuild(ctx, buildID); err != nil {
		return nil, err
	}
	const query = `SELECT id, stage, level, message, created_at
		FROM build_logs WHERE build_id = $1 AND id > $2 ORDER BY id`
	rows, err := r.pool.Query(ctx, query, buildID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.LogLine, 0)
	for rows.Next() {
		var (
			l     domain.LogLine
			stage *string
		)
		if err := rows.Scan(&l.Seq, &stage, &l.Level, &l.Message, &l.Timestamp); err != nil {
			return nil, err
		}
		l.Stage = deref(stage)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ClearLogs removes every log line for a build.
func (r *Repository) ClearLogs(ctx context.Context, buildID string) error {
	if err := r.ensureBuild(ctx, buildID); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM build_logs WHERE build_id = $1`, buildID)
	return err
}

func (r *Repository) ensureBuild(ctx context.Context, buildID string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM builds WHERE id = $1)`, buildID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return nil
}

func lockBuild(ctx context.Context, tx pgx.Tx, buildID string) error {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM builds WHERE id = $1 FOR UPDATE`, buildID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}

func insertLogs(ctx context.Context, tx pgx.Tx, buildID string, lines []domain.LogLine) ([]domain.LogLine, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	const query = `INSERT INTO build_logs (build_id, stage, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	batch := &pgx.Batch{}
	stored := make([]domain.LogLine, len(lines))
	for i, line := range lines {
		if line.Timestamp.IsZero() {
			line.Timestamp = time.Now().UTC()
		}
		if strings.TrimSpace(line.Level) == "" {
			line.Level = "info"
		}
		stored[i] = line
		batch.Queue(query, buildID, emptyToNil(line.Stage), line.Level, line.Message, line.Timestamp.UTC())
	}
	br := tx.SendBatch(ctx, batch)
	for i := range stored {
		if err := br.QueryRow().Scan(&stored[i].Seq); err != nil {
			br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return nil, repository.ErrNotFound
			}
			return nil, err
		}
	}
	if err := br.Close(); err != nil {
		return nil, err
	}
	return stored, nil
}

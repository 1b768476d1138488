package resultstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/ranking"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/validation"
)

// BatchRecord describes a stored Monte Carlo batch.
type BatchRecord struct {
	JobID      string
	Selection  lca.Selection
	Seed       int64
	Iterations int
	Complete   bool
	Status     string
	Scores     []float64
	SavedAt    time.Time
}

// SaveBatch stores the scores of a run, replacing any earlier copy.
func (s *Store) SaveBatch(ctx context.Context, rec BatchRecord) error {
	if rec.JobID == "" {
		return errors.New("job_id is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mc_samples WHERE job_id = ?`, rec.JobID); err != nil {
			return fmt.Errorf("clear samples: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO mc_batches
			(job_id, project, database_name, activity, amount, method, seed, iterations, draws, complete, status, saved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.JobID, rec.Selection.Project, rec.Selection.Database, rec.Selection.Activity, rec.Selection.Amount,
			rec.Selection.Method, rec.Seed, rec.Iterations, len(rec.Scores), boolInt(rec.Complete), rec.Status,
			s.now().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("save batch: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO mc_samples (job_id, draw, score) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare sample insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for i, score := range rec.Scores {
			if _, err := stmt.ExecContext(ctx, rec.JobID, i, score); err != nil {
				return fmt.Errorf("save sample %d: %w", i, err)
			}
		}
		return nil
	})
}

// LoadBatch returns a stored batch with its scores in draw order.
func (s *Store) LoadBatch(ctx context.Context, jobID string) (BatchRecord, error) {
	var (
		rec      BatchRecord
		complete int
		savedAt  string
	)
	err := s.db.QueryRowContext(ctx, `SELECT job_id, project, database_name, activity, amount, method, seed, iterations, complete, status, saved_at
		FROM mc_batches WHERE job_id = ?`, jobID).Scan(
		&rec.JobID, &rec.Selection.Project, &rec.Selection.Database, &rec.Selection.Activity, &rec.Selection.Amount,
		&rec.Selection.Method, &rec.Seed, &rec.Iterations, &complete, &rec.Status, &savedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BatchRecord{}, ErrNotFound
		}
		return BatchRecord{}, fmt.Errorf("load batch: %w", err)
	}
	rec.Complete = complete != 0
	rec.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)

	rows, err := s.db.QueryContext(ctx, `SELECT score FROM mc_samples WHERE job_id = ? ORDER BY draw`, jobID)
	if err != nil {
		return BatchRecord{}, fmt.Errorf("load samples: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var score float64
		if err := rows.Scan(&score); err != nil {
			return BatchRecord{}, fmt.Errorf("scan sample: %w", err)
		}
		rec.Scores = append(rec.Scores, score)
	}
	return rec, rows.Err()
}

// SaveRanking stores the ranking derived from an MC job.
func (s *Store) SaveRanking(ctx context.Context, jobID string, rows []ranking.Row) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rankings WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("clear ranking: %w", err)
		}
		for _, r := range rows {
			src := r.Source
			if _, err := tx.ExecContext(ctx, `INSERT INTO rankings
				(job_id, rank, input_id, name, location, category, output_name, output_location, exchange_type, exchange_amount, gsa_index)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				jobID, r.Rank, src.InputID, src.Name, src.Location, src.Category, src.OutputName, src.OutputLocation,
				src.ExchangeType, src.ExchangeAmount, nullableFloat(src.GSAIndex)); err != nil {
				return fmt.Errorf("save ranking row %d: %w", r.Rank, err)
			}
		}
		return nil
	})
}

// LoadRanking rebuilds the ranking of an MC job from its stored inputs.
func (s *Store) LoadRanking(ctx context.Context, jobID string) ([]ranking.Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT input_id, name, location, category, output_name, output_location, exchange_type, exchange_amount, gsa_index
		FROM rankings WHERE job_id = ? ORDER BY rank`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load ranking: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var inputs []lca.InputSensitivity
	for rows.Next() {
		var (
			in                               lca.InputSensitivity
			location, category, outLoc, kind sql.NullString
			amount, index                    sql.NullFloat64
		)
		if err := rows.Scan(&in.InputID, &in.Name, &location, &category, &in.OutputName, &outLoc, &kind, &amount, &index); err != nil {
			return nil, fmt.Errorf("scan ranking row: %w", err)
		}
		in.Location = location.String
		in.Category = category.String
		in.OutputLocation = outLoc.String
		in.ExchangeType = kind.String
		in.ExchangeAmount = amount.Float64
		in.GSAIndex = math.NaN()
		if index.Valid {
			in.GSAIndex = index.Float64
		}
		inputs = append(inputs, in)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, ErrNotFound
	}
	return ranking.Rank(inputs), nil
}

// LatestRanking returns the most recently saved complete batch that has a
// ranking.
func (s *Store) LatestRanking(ctx context.Context) (string, []ranking.Row, error) {
	var jobID string
	err := s.db.QueryRowContext(ctx, `SELECT b.job_id FROM mc_batches b
		WHERE b.complete = 1 AND EXISTS (SELECT 1 FROM rankings r WHERE r.job_id = b.job_id)
		ORDER BY b.saved_at DESC, b.job_id DESC LIMIT 1`).Scan(&jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("find latest ranking: %w", err)
	}
	rows, err := s.LoadRanking(ctx, jobID)
	return jobID, rows, err
}

// SaveTrials stores the trend of a validation job.
func (s *Store) SaveTrials(ctx context.Context, jobID, sourceJobID string, trials []validation.Trial) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM validation_trials WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("clear trials: %w", err)
		}
		for _, t := range trials {
			if _, err := tx.ExecContext(ctx, `INSERT INTO validation_trials (job_id, source_job_id, influential_count, metric, iterations_used)
				VALUES (?, ?, ?, ?, ?)`, jobID, sourceJobID, t.InfluentialCount, t.Metric, t.IterationsUsed); err != nil {
				return fmt.Errorf("save trial k=%d: %w", t.InfluentialCount, err)
			}
		}
		return nil
	})
}

// LoadTrials returns the stored trend of a validation job.
func (s *Store) LoadTrials(ctx context.Context, jobID string) ([]validation.Trial, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT influential_count, metric, iterations_used
		FROM validation_trials WHERE job_id = ? ORDER BY influential_count`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load trials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []validation.Trial
	for rows.Next() {
		var t validation.Trial
		if err := rows.Scan(&t.InfluentialCount, &t.Metric, &t.IterationsUsed); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune removes every stored result of the given jobs.
func (s *Store) Prune(ctx context.Context, jobIDs ...string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range jobIDs {
			for _, table := range []string{"mc_samples", "mc_batches", "rankings", "validation_trials"} {
				// #nosec G202 -- table names come from the fixed list above
				if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE job_id = ?`, id); err != nil {
					return fmt.Errorf("prune %s: %w", table, err)
				}
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableFloat(f float64) any {
	if math.IsNaN(f) {
		return nil
	}
	return f
}

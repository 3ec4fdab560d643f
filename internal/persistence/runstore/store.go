// Package runstore persists build results so a run can be inspected or
// resumed from another process.
package runstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"craftarchitect.ai/internal/blueprint"
	"craftarchitect.ai/internal/dispatch"
	"craftarchitect.ai/internal/orchestrator"
)

var ErrNotFound = errors.New("runstore: run not found")

// fixed width so started_at sorts lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store interface {
	SaveRun(ctx context.Context, res *orchestrator.Result) error
	LoadRun(ctx context.Context, runID string) (*orchestrator.Result, error)
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
	Close() error
}

type RunSummary struct {
	RunID        string              `json:"run_id"`
	ResumedFrom  string              `json:"resumed_from,omitempty"`
	Description  string              `json:"description"`
	Target       string              `json:"target"`
	Status       orchestrator.Status `json:"status"`
	Operations   int                 `json:"operations"`
	Acknowledged int                 `json:"acknowledged"`
	Failed       int                 `json:"failed"`
	BlocksPlaced int                 `json:"blocks_placed"`
	StartedAt    time.Time           `json:"started_at"`
}

// Open returns a store for driver "sqlite" (dsn is a file path) or
// "postgres" (dsn is a lib/pq connection string, empty means PG* env vars).
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQLite(dsn)
	case "postgres":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("runstore: unknown driver %q", driver)
	}
}

type dialect struct {
	name     string
	blobType string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

// SQLStore implements Store on database/sql for both dialects.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

var (
	blobEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	blobDecoder, _ = zstd.NewReader(nil)
)

func (s *SQLStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	return rebind(query)
}

// rebind rewrites ? placeholders as $1, $2, ...
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			resumed_from TEXT NOT NULL,
			description TEXT NOT NULL,
			target TEXT NOT NULL,
			status TEXT NOT NULL,
			operations INTEGER NOT NULL,
			acknowledged INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			blocks_placed INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			result_json TEXT NOT NULL,
			blueprint_zst ` + s.d.blobType + `,
			blueprint_digest TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,
		`CREATE TABLE IF NOT EXISTS records (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			command TEXT NOT NULL,
			last_error TEXT NOT NULL,
			record_json TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (s *SQLStore) SaveRun(ctx context.Context, res *orchestrator.Result) error {
	if res == nil || res.RunID == "" {
		return errors.New("runstore: result without run id")
	}
	summary := *res
	summary.Blueprint = nil
	resultJSON, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	var blob []byte
	var sum string
	if res.Blueprint != nil {
		raw, err := json.Marshal(res.Blueprint)
		if err != nil {
			return err
		}
		blob = blobEncoder.EncodeAll(raw, nil)
		sum = digest(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO runs (
			run_id, resumed_from, description, target, status, operations, acknowledged, failed,
			blocks_placed, started_at, result_json, blueprint_zst, blueprint_digest
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			status = excluded.status,
			operations = excluded.operations,
			acknowledged = excluded.acknowledged,
			failed = excluded.failed,
			blocks_placed = excluded.blocks_placed,
			result_json = excluded.result_json,
			blueprint_zst = excluded.blueprint_zst,
			blueprint_digest = excluded.blueprint_digest`),
		res.RunID, res.ResumedFrom, res.Description, res.Target, string(res.Status),
		res.Operations, res.Acknowledged, res.Failed, res.BlocksPlaced,
		res.StartedAt.UTC().Format(timeLayout), string(resultJSON), blob, sum,
	)
	if err != nil {
		return fmt.Errorf("runstore: save run %s: %w", res.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM records WHERE run_id = ?`), res.RunID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO records (run_id, seq, status, attempts, command, last_error, record_json) VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range res.Records {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, res.RunID, r.Op.Seq, string(r.Status), r.Attempts, r.Op.Command, r.LastError, string(b)); err != nil {
			return fmt.Errorf("runstore: save record %s/%d: %w", res.RunID, r.Op.Seq, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) LoadRun(ctx context.Context, runID string) (*orchestrator.Result, error) {
	var resultJSON, sum string
	var blob []byte
	err := s.db.QueryRowContext(ctx, s.q(`SELECT result_json, blueprint_zst, blueprint_digest FROM runs WHERE run_id = ?`), runID).
		Scan(&resultJSON, &blob, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	var res orchestrator.Result
	if err := json.Unmarshal([]byte(resultJSON), &res); err != nil {
		return nil, fmt.Errorf("runstore: run %s: %w", runID, err)
	}
	if len(blob) > 0 {
		raw, err := blobDecoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("runstore: run %s blueprint: %w", runID, err)
		}
		if got := digest(raw); got != sum {
			return nil, fmt.Errorf("runstore: run %s blueprint digest mismatch: got=%s want=%s", runID, got, sum)
		}
		var bp blueprint.Blueprint
		if err := json.Unmarshal(raw, &bp); err != nil {
			return nil, fmt.Errorf("runstore: run %s blueprint: %w", runID, err)
		}
		res.Blueprint = &bp
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT record_json FROM records WHERE run_id = ? ORDER BY seq`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var r dispatch.Record
		if err := json.Unmarshal([]byte(b), &r); err != nil {
			return nil, fmt.Errorf("runstore: run %s record: %w", runID, err)
		}
		res.Records = append(res.Records, r)
	}
	return &res, rows.Err()
}

func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT run_id, resumed_from, description, target, status,
			operations, acknowledged, failed, blocks_placed, started_at
		FROM runs ORDER BY started_at DESC, run_id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var status, started string
		if err := rows.Scan(&r.RunID, &r.ResumedFrom, &r.Description, &r.Target, &status,
			&r.Operations, &r.Acknowledged, &r.Failed, &r.BlocksPlaced, &started); err != nil {
			return nil, err
		}
		r.Status = orchestrator.Status(status)
		r.StartedAt, _ = time.Parse(timeLayout, started)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error { return s.db.Close() }

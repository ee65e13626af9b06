// Package postgres provides the Postgres-backed posting store.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/jobintake/internal/posting"
)

// Schema is the DDL applied by Migrate.
//
//go:embed schema.sql
var Schema string

const columns = `id, user_id, url, url_hash, raw_text,
	company_name, job_title, location, remote_policy, salary_range, job_description,
	requirements, benefits, structured_data,
	status, extraction_confidence, error_message, created_at, updated_at`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostingStore persists postings in the job_postings table.
type PostingStore struct {
	pool pool
	now  func() time.Time
}

// Open connects a pool using cfg.
func Open(ctx context.Context, cfg Config) (*PostingStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostingStore{pool: p, now: time.Now}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, now func() time.Time) (*PostingStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if now == nil {
		now = time.Now
	}
	return &PostingStore{pool: p, now: now}, nil
}

// Close releases the underlying pool resources.
func (s *PostingStore) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostingStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PostingStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Create inserts a new posting.
func (s *PostingStore) Create(ctx context.Context, p posting.Posting) error {
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	p.Normalize()
	args, err := insertArgs(p)
	if err != nil {
		return err
	}
	query := `INSERT INTO job_postings (` + columns + `) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert posting: %w", err)
	}
	return nil
}

// Get fetches a posting by id.
func (s *PostingStore) Get(ctx context.Context, id string) (posting.Posting, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM job_postings WHERE id = $1`, id)
	p, err := scanPosting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return posting.Posting{}, posting.ErrNotFound
	}
	if err != nil {
		return posting.Posting{}, fmt.Errorf("get posting: %w", err)
	}
	return p, nil
}

// List returns matching postings, newest first.
func (s *PostingStore) List(ctx context.Context, f posting.Filter) ([]posting.Posting, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + columns + ` FROM job_postings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.query(ctx, "list postings", query, args...)
}

// Save overwrites every mutable column and bumps updated_at.
func (s *PostingStore) Save(ctx context.Context, p posting.Posting) (posting.Posting, error) {
	p.Normalize()
	requirements, benefits, structured, err := jsonColumns(p)
	if err != nil {
		return posting.Posting{}, err
	}
	row := s.pool.QueryRow(ctx, `UPDATE job_postings SET
	url = $2, url_hash = $3, raw_text = $4,
	company_name = $5, job_title = $6, location = $7, remote_policy = $8, salary_range = $9,
	job_description = $10, requirements = $11, benefits = $12, structured_data = $13,
	status = $14, extraction_confidence = $15, error_message = $16, updated_at = $17
WHERE id = $1
RETURNING `+columns,
		p.ID, nullable(p.URL), nullable(p.URLHash), nullable(p.RawText),
		nullable(p.CompanyName), nullable(p.JobTitle), nullable(p.Location), nullable(p.RemotePolicy),
		nullable(p.SalaryRange), nullable(p.Description), requirements, benefits, structured,
		string(p.Status), p.ExtractionConfidence, p.ErrorMessage, s.now().UTC(),
	)
	saved, err := scanPosting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return posting.Posting{}, posting.ErrNotFound
	}
	if err != nil {
		return posting.Posting{}, fmt.Errorf("save posting: %w", err)
	}
	return saved, nil
}

// Transition moves the posting to `to` in a single conditional UPDATE.
func (s *PostingStore) Transition(
	ctx context.Context,
	id string,
	from []posting.Status,
	to posting.Status,
	errMsg *string,
) (posting.Posting, error) {
	if !to.CarriesError() {
		errMsg = nil
	}
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}
	row := s.pool.QueryRow(ctx, `UPDATE job_postings
SET status = $3, error_message = $4, updated_at = $5
WHERE id = $1 AND status = ANY($2)
RETURNING `+columns,
		id, allowed, string(to), errMsg, s.now().UTC(),
	)
	p, err := scanPosting(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return posting.Posting{}, fmt.Errorf("transition posting: %w", err)
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM job_postings WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return posting.Posting{}, posting.ErrNotFound
	}
	if err != nil {
		return posting.Posting{}, fmt.Errorf("load posting status: %w", err)
	}
	return posting.Posting{}, &posting.TransitionError{ID: id, From: posting.Status(current), To: to}
}

// ListStale returns postings in status not updated since olderThan.
func (s *PostingStore) ListStale(ctx context.Context, status posting.Status, olderThan time.Time) ([]posting.Posting, error) {
	return s.query(ctx, "list stale postings",
		`SELECT `+columns+` FROM job_postings WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`,
		string(status), olderThan.UTC())
}

// Delete removes a posting.
func (s *PostingStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_postings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete posting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return posting.ErrNotFound
	}
	return nil
}

func (s *PostingStore) query(ctx context.Context, op, sql string, args ...any) ([]posting.Posting, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []posting.Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func insertArgs(p posting.Posting) ([]any, error) {
	requirements, benefits, structured, err := jsonColumns(p)
	if err != nil {
		return nil, err
	}
	return []any{
		p.ID, p.UserID, nullable(p.URL), nullable(p.URLHash), nullable(p.RawText),
		nullable(p.CompanyName), nullable(p.JobTitle), nullable(p.Location), nullable(p.RemotePolicy),
		nullable(p.SalaryRange), nullable(p.Description),
		requirements, benefits, structured,
		string(p.Status), p.ExtractionConfidence, p.ErrorMessage, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	}, nil
}

func jsonColumns(p posting.Posting) (requirements, benefits, structured []byte, err error) {
	if requirements, err = marshalJSON(p.Requirements, len(p.Requirements) > 0); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal requirements: %w", err)
	}
	if benefits, err = marshalJSON(p.Benefits, p.Benefits != nil); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal benefits: %w", err)
	}
	if structured, err = marshalJSON(p.StructuredData, len(p.StructuredData) > 0); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal structured data: %w", err)
	}
	return requirements, benefits, structured, nil
}

func marshalJSON(v any, present bool) ([]byte, error) {
	if !present {
		return nil, nil
	}
	return json.Marshal(v)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosting(row rowScanner) (posting.Posting, error) {
	var (
		p                                              posting.Posting
		url, urlHash, rawText                          *string
		company, title, location, remote, salary, desc *string
		requirements, benefits, structured             []byte
		status                                         string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &url, &urlHash, &rawText,
		&company, &title, &location, &remote, &salary, &desc,
		&requirements, &benefits, &structured,
		&status, &p.ExtractionConfidence, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return posting.Posting{}, err
	}
	p.URL, p.URLHash, p.RawText = deref(url), deref(urlHash), deref(rawText)
	p.CompanyName, p.JobTitle, p.Location = deref(company), deref(title), deref(location)
	p.RemotePolicy, p.SalaryRange, p.Description = deref(remote), deref(salary), deref(desc)
	p.Status = posting.Status(status)
	if err := unmarshalJSON(requirements, &p.Requirements); err != nil {
		return posting.Posting{}, fmt.Errorf("decode requirements: %w", err)
	}
	if err := unmarshalJSON(benefits, &p.Benefits); err != nil {
		return posting.Posting{}, fmt.Errorf("decode benefits: %w", err)
	}
	if err := unmarshalJSON(structured, &p.StructuredData); err != nil {
		return posting.Posting{}, fmt.Errorf("decode structured data: %w", err)
	}
	return p, nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

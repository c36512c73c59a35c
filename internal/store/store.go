package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"damageinspect/internal/damage"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var ErrNotFound = errors.New("inspection not found")

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("missing database dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FailureRecord is the persisted and reported form of a failed attempt.
type FailureRecord struct {
	Backend   string `json:"backend"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func FailureRecords(failures []damage.Failure) []FailureRecord {
	out := make([]FailureRecord, 0, len(failures))
	for _, f := range failures {
		out = append(out, FailureRecord{
			Backend:   f.Backend,
			Provider:  f.Provider,
			Model:     f.Model,
			Kind:      f.Kind(),
			Error:     f.Err.Error(),
			ElapsedMS: f.Elapsed.Milliseconds(),
		})
	}
	return out
}

// NewInspection is what a caller submits; Backend, Mode and Model are the
// request's selection, possibly empty.
type NewInspection struct {
	Backend   string
	Mode      string
	Model     string
	Image     []byte
	ImageMIME string
}

type Inspection struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	Backend         string          `json:"backend"`
	Mode            string          `json:"mode"`
	Model           string          `json:"model"`
	ImageMIME       string          `json:"image_mime"`
	ResolvedBackend string          `json:"resolved_backend,omitempty"`
	ResolvedModel   string          `json:"resolved_model,omitempty"`
	Result          *damage.Result  `json:"result,omitempty"`
	Failures        []FailureRecord `json:"failures"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (s *Store) CreateInspection(ctx context.Context, in NewInspection) (string, error) {
	if len(in.Image) == 0 {
		return "", errors.New("missing image")
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO inspections (id, status, backend, mode, model, image, image_mime)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, StatusQueued, in.Backend, in.Mode, in.Model, in.Image, in.ImageMIME)
	if err != nil {
		return "", fmt.Errorf("insert inspection: %w", err)
	}
	return id, nil
}

func (s *Store) MarkRunning(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE inspections SET status = $2, updated_at = now() WHERE id = $1`, id, StatusRunning)
}

func (s *Store) CompleteInspection(ctx context.Context, id string, backend string, model string, result damage.Result, failures []FailureRecord) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	failuresJSON, err := marshalFailures(failures)
	if err != nil {
		return err
	}
	return s.update(ctx, `UPDATE inspections SET status = $2, resolved_backend = $3, resolved_model = $4, result = $5, failures = $6,
		error_kind = '', error = '', updated_at = now() WHERE id = $1`,
		id, StatusSucceeded, backend, model, resultJSON, failuresJSON)
}

func (s *Store) FailInspection(ctx context.Context, id string, kind string, message string, failures []FailureRecord) error {
	failuresJSON, err := marshalFailures(failures)
	if err != nil {
		return err
	}
	return s.update(ctx, `UPDATE inspections SET status = $2, failures = $3, error_kind = $4, error = $5, updated_at = now() WHERE id = $1`,
		id, StatusFailed, failuresJSON, kind, message)
}

func (s *Store) GetInspection(ctx context.Context, id string) (Inspection, error) {
	var in Inspection
	if _, err := uuid.Parse(id); err != nil {
		return in, ErrNotFound
	}
	var resultJSON, failuresJSON []byte
	row := s.db.QueryRowContext(ctx, `SELECT id, status, backend, mode, model, image_mime, resolved_backend, resolved_model, result, failures, error_kind, error, created_at, updated_at
		FROM inspections WHERE id = $1`, id)
	if err := row.Scan(&in.ID, &in.Status, &in.Backend, &in.Mode, &in.Model, &in.ImageMIME, &in.ResolvedBackend, &in.ResolvedModel,
		&resultJSON, &failuresJSON, &in.ErrorKind, &in.Error, &in.CreatedAt, &in.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return in, ErrNotFound
		}
		return in, err
	}
	if len(resultJSON) > 0 {
		var result damage.Result
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return in, fmt.Errorf("decode stored result: %w", err)
		}
		in.Result = &result
	}
	in.Failures = []FailureRecord{}
	if len(failuresJSON) > 0 {
		if err := json.Unmarshal(failuresJSON, &in.Failures); err != nil {
			return in, fmt.Errorf("decode stored failures: %w", err)
		}
	}
	return in, nil
}

// GetInspectionImage returns the submitted bytes and their MIME type.
func (s *Store) GetInspectionImage(ctx context.Context, id string) ([]byte, string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, "", ErrNotFound
	}
	var image []byte
	var mime string
	row := s.db.QueryRowContext(ctx, `SELECT image, image_mime FROM inspections WHERE id = $1`, id)
	if err := row.Scan(&image, &mime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return image, mime, nil
}

func (s *Store) update(ctx context.Context, query string, id string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalFailures(failures []FailureRecord) ([]byte, error) {
	if failures == nil {
		failures = []FailureRecord{}
	}
	return json.Marshal(failures)
}

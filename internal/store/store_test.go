package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"damageinspect/internal/damage"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

var inspectionColumns = []string{"id", "status", "backend", "mode", "model", "image_mime", "resolved_backend", "resolved_model",
	"result", "failures", "error_kind", "error", "created_at", "updated_at"}

func TestCreateInspection(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO inspections")).
		WithArgs(sqlmock.AnyArg(), StatusQueued, "fallback", "json", "", []byte("img"), "image/jpeg").
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := s.CreateInspection(context.Background(), NewInspection{Backend: "fallback", Mode: "json", Image: []byte("img"), ImageMIME: "image/jpeg"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(id) != 36 {
		t.Fatalf("expected uuid id, got %q", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateInspectionRequiresImage(t *testing.T) {
	s, _ := newMock(t)
	if _, err := s.CreateInspection(context.Background(), NewInspection{}); err == nil {
		t.Fatalf("expected error for empty image")
	}
}

func TestMarkRunningUnknownID(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE inspections SET status")).
		WithArgs("3f1c2a54-8f7e-4a43-9d53-1f0d5b1d2c11", StatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.MarkRunning(context.Background(), "3f1c2a54-8f7e-4a43-9d53-1f0d5b1d2c11"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompleteAndFailInspection(t *testing.T) {
	s, mock := newMock(t)
	id := "3f1c2a54-8f7e-4a43-9d53-1f0d5b1d2c11"
	mock.ExpectExec(regexp.QuoteMeta("UPDATE inspections SET status")).
		WithArgs(id, StatusSucceeded, "claude", "claude-opus-4-5", sqlmock.AnyArg(), []byte(`[{"backend":"gemini","provider":"gemini","model":"gemini-2.5-flash","kind":"provider","error":"boom","elapsed_ms":12}]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE inspections SET status")).
		WithArgs(id, StatusFailed, []byte("[]"), "timeout", "deadline exceeded").
		WillReturnResult(sqlmock.NewResult(0, 1))

	failures := []FailureRecord{{Backend: "gemini", Provider: "gemini", Model: "gemini-2.5-flash", Kind: "provider", Error: "boom", ElapsedMS: 12}}
	if err := s.CompleteInspection(context.Background(), id, "claude", "claude-opus-4-5", damage.Result{Detections: []damage.Detection{}}, failures); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.FailInspection(context.Background(), id, "timeout", "deadline exceeded", nil); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetInspection(t *testing.T) {
	s, mock := newMock(t)
	id := "3f1c2a54-8f7e-4a43-9d53-1f0d5b1d2c11"
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	result := `{"damage_areas":[{"name":"front_bumper","damage_type":"D","rectangle":{"bottom_left":{"x":0.1,"y":0.2},"top_right":{"x":0.3,"y":0.4}},"description":"","severity":"unknown"}]}`
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(inspectionColumns).
			AddRow(id, StatusSucceeded, "gemini", "", "", "image/jpeg", "gemini", "gemini-3.0-pro", []byte(result), []byte("[]"), "", "", now, now))

	in, err := s.GetInspection(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if in.Result == nil || in.Result.Len() != 1 || in.Result.Detections[0].DamageType != damage.Dented {
		t.Fatalf("unexpected result %+v", in.Result)
	}
	if in.Failures == nil || len(in.Failures) != 0 {
		t.Fatalf("expected empty failures, got %#v", in.Failures)
	}
	if !in.CreatedAt.Equal(now) {
		t.Fatalf("unexpected created_at %v", in.CreatedAt)
	}
}

func TestGetInspectionNotFound(t *testing.T) {
	s, mock := newMock(t)
	if _, err := s.GetInspection(context.Background(), "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for malformed id, got %v", err)
	}

	id := "3f1c2a54-8f7e-4a43-9d53-1f0d5b1d2c11"
	mock.ExpectQuery(regexp.QuoteMeta("SELECT image, image_mime")).WithArgs(id).WillReturnError(sql.ErrNoRows)
	if _, _, err := s.GetInspectionImage(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFailureRecords(t *testing.T) {
	records := FailureRecords([]damage.Failure{{
		Backend: "gemini", Provider: "gemini", Model: "m",
		Err:     &damage.ResponseParseError{Backend: "gemini", Reason: "not json"},
		Elapsed: 1500 * time.Millisecond,
	}})
	if len(records) != 1 || records[0].Kind != "response_parse" || records[0].ElapsedMS != 1500 {
		t.Fatalf("unexpected records %+v", records)
	}
	if got := FailureRecords(nil); got == nil {
		t.Fatalf("expected non-nil empty slice")
	}
}

func TestMigrateAndRoundTripPostgres(t *testing.T) {
	dsn := os.Getenv("DI_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skipf("DI_TEST_DATABASE_DSN not set")
	}
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	if err := Migrate(ctx, s.DB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	id, err := s.CreateInspection(ctx, NewInspection{Backend: "gemini", Image: []byte("img"), ImageMIME: "image/png"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkRunning(ctx, id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	res := damage.Result{Detections: []damage.Detection{{
		Name: "hood", DamageType: damage.Scratched, Severity: damage.SeverityUnknown,
		Rectangle: damage.Rectangle{TopRight: damage.Point{X: 1, Y: 1}},
	}}}
	if err := s.CompleteInspection(ctx, id, "gemini", "gemini-3.0-pro", res, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	in, err := s.GetInspection(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if in.Status != StatusSucceeded || in.Result == nil || in.Result.Detections[0].Name != "hood" {
		t.Fatalf("unexpected stored inspection %+v", in)
	}
	image, mime, err := s.GetInspectionImage(ctx, id)
	if err != nil || string(image) != "img" || mime != "image/png" {
		t.Fatalf("unexpected image %q %q %v", image, mime, err)
	}
}

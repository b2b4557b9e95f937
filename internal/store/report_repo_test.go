package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
	"github.com/Brownie44l1/dcai-classifier/internal/inference"
)

var _ inference.Sink = (*ReportRepo)(nil)

// testDB connects to TEST_DATABASE_URL or skips.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenUnreachable(t *testing.T) {
	_, err := Open(context.Background(), "postgres://nobody@127.0.0.1:1/none?connect_timeout=1")
	if !errors.Is(err, config.ErrIO) {
		t.Fatalf("Open() = %v, want ErrIO", err)
	}
}

func TestPutUpserts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewReportRepo(db, uuid.NewString())
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		db.Exec(`delete from prediction_reports where run_id=$1`, repo.RunID)
	})

	rep, err := inference.NewReport([]float64{2, 0.5, 0.1, 0.1}, config.Default().Classes(), "00ff")
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.Put(ctx, "img1.jpg", rep); err != nil {
		t.Fatal(err)
	}
	rep.Annotation.Inference.Label = "dog"
	if err := repo.Put(ctx, "img1.jpg", rep); err != nil {
		t.Fatal(err)
	}
	got, err := repo.Find(ctx, "img1.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if got != rep {
		t.Errorf("Find() = %+v, want %+v", got, rep)
	}
	if _, err := repo.Find(ctx, "other.jpg"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing row: %v", err)
	}
}

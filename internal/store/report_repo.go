// Package store keeps prediction reports in Postgres alongside the JSON
// files written by the inference command.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver

	"github.com/Brownie44l1/dcai-classifier/internal/config"
	"github.com/Brownie44l1/dcai-classifier/internal/inference"
)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: sql.Open: %v", config.ErrConfiguration, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: db.Ping: %v", config.ErrIO, err)
	}
	return db, nil
}

// ReportRepo stores one row per image, keyed by file name and run.
type ReportRepo struct {
	DB    *sql.DB
	RunID string
}

func NewReportRepo(db *sql.DB, runID string) *ReportRepo {
	return &ReportRepo{DB: db, RunID: runID}
}

// EnsureSchema creates the reports table if it is missing.
func (r *ReportRepo) EnsureSchema(ctx context.Context) error {
	const q = `
create table if not exists prediction_reports (
	run_id     text not null,
	file_name  text not null,
	md5        text not null,
	label      text not null,
	confidence double precision not null,
	report     jsonb not null,
	created_at timestamptz not null default now(),
	primary key (run_id, file_name)
)`
	_, err := r.DB.ExecContext(ctx, q)
	return err
}

// Put inserts or replaces the report for name. It satisfies inference.Sink.
func (r *ReportRepo) Put(ctx context.Context, name string, rep inference.Report) error {
	js, err := rep.Marshal()
	if err != nil {
		return err
	}
	const q = `
insert into prediction_reports(run_id, file_name, md5, label, confidence, report)
values ($1,$2,$3,$4,$5,$6)
on conflict (run_id, file_name)
do update set md5=excluded.md5, label=excluded.label, confidence=excluded.confidence,
	report=excluded.report, created_at=now()`
	_, err = r.DB.ExecContext(ctx, q, r.RunID, name, rep.DataObjectInfo.MD5,
		rep.Annotation.Inference.Label, rep.Annotation.Inference.Confidence, js)
	return err
}

// Find returns the stored report for name, or sql.ErrNoRows.
func (r *ReportRepo) Find(ctx context.Context, name string) (inference.Report, error) {
	const q = `select md5, label, confidence
	           from prediction_reports
	           where run_id=$1 and file_name=$2`
	var rep inference.Report
	err := r.DB.QueryRowContext(ctx, q, r.RunID, name).Scan(
		&rep.DataObjectInfo.MD5, &rep.Annotation.Inference.Label, &rep.Annotation.Inference.Confidence)
	return rep, err
}

// Package postgres mirrors merged job records into Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "jobs"

// Config controls the Postgres connection pool used for the mirror.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type txPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// JobStore upserts job records into a Postgres table keyed by id.
type JobStore struct {
	pool  txPool
	table string
}

var _ crawler.RecordMirror = (*JobStore)(nil)

// NewJobStore connects a pool using cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool, table: table}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool txPool, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the mirror table when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	company TEXT NOT NULL,
	company_site TEXT NOT NULL,
	job_title TEXT NOT NULL,
	job_url TEXT NOT NULL,
	apply_url TEXT NOT NULL,
	location TEXT NOT NULL,
	experience TEXT NOT NULL,
	posted TEXT NOT NULL,
	posted_age_days INTEGER,
	logo TEXT NOT NULL,
	company_size TEXT NOT NULL,
	funding_tags JSONB NOT NULL,
	industries JSONB NOT NULL,
	what_they_do TEXT NOT NULL,
	source TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// UpsertRecords writes records in one transaction. Existing rows keep their
// created_at; every other column takes the new value.
func (s *JobStore) UpsertRecords(ctx context.Context, records []crawler.JobRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
	}()

	query := s.upsertQuery()
	for _, rec := range records {
		args, argErr := upsertArgs(rec)
		if argErr != nil {
			return argErr
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert job %q: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *JobStore) upsertQuery() string {
	return fmt.Sprintf(`
INSERT INTO %s (
	id,
	company,
	company_site,
	job_title,
	job_url,
	apply_url,
	location,
	experience,
	posted,
	posted_age_days,
	logo,
	company_size,
	funding_tags,
	industries,
	what_they_do,
	source,
	created_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
)
ON CONFLICT (id) DO UPDATE SET
	company = EXCLUDED.company,
	company_site = EXCLUDED.company_site,
	job_title = EXCLUDED.job_title,
	job_url = EXCLUDED.job_url,
	apply_url = EXCLUDED.apply_url,
	location = EXCLUDED.location,
	experience = EXCLUDED.experience,
	posted = EXCLUDED.posted,
	posted_age_days = EXCLUDED.posted_age_days,
	logo = EXCLUDED.logo,
	company_size = EXCLUDED.company_size,
	funding_tags = EXCLUDED.funding_tags,
	industries = EXCLUDED.industries,
	what_they_do = EXCLUDED.what_they_do,
	source = EXCLUDED.source,
	updated_at = EXCLUDED.updated_at`, s.table)
}

func upsertArgs(rec crawler.JobRecord) ([]any, error) {
	p := rec.Normalized()
	tags, err := json.Marshal(p.FundingTags)
	if err != nil {
		return nil, fmt.Errorf("marshal funding_tags: %w", err)
	}
	industries, err := json.Marshal(p.Industries)
	if err != nil {
		return nil, fmt.Errorf("marshal industries: %w", err)
	}
	var age any
	if days, ok := p.PostedAgeDays.Days(); ok {
		age = days
	}
	return []any{
		p.ID,
		p.Company,
		p.CompanySite,
		p.JobTitle,
		p.JobURL,
		p.ApplyURL,
		p.Location,
		p.Experience,
		p.Posted,
		age,
		p.Logo,
		p.CompanySize,
		tags,
		industries,
		p.WhatTheyDo,
		p.Source,
		rec.CreatedAt,
		rec.UpdatedAt,
	}, nil
}

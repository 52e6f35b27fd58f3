// Package snapshot materialises the full index as jobs.json and jobs.csv.
package snapshot

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// Snapshot object names under the output directory.
const (
	JSONFile = "jobs.json"
	CSVFile  = "jobs.csv"
)

// Header is the fixed CSV column order.
var Header = []string{
	"id", "company", "job_title", "job_url", "apply_url", "company_site",
	"location", "experience", "posted", "posted_age_days", "company_size",
	"funding_tags", "industries", "what_they_do", "logo", "created_at",
	"updated_at", "source",
}

// Writer renders snapshots into a blob store.
type Writer struct {
	blobs  crawler.BlobStore
	logger *zap.Logger
}

// NewWriter builds a Writer. Both files go through blobs.PutObject, so an
// atomic store gives atomic snapshots.
func NewWriter(blobs crawler.BlobStore, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{blobs: blobs, logger: logger}
}

// Write stores jobs.json then jobs.csv.
func (w *Writer) Write(ctx context.Context, records []crawler.JobRecord) error {
	var jsonBuf bytes.Buffer
	if err := EncodeJSON(&jsonBuf, records); err != nil {
		return err
	}
	jsonURI, err := w.blobs.PutObject(ctx, JSONFile, "application/json", &jsonBuf)
	if err != nil {
		return fmt.Errorf("write %s: %w", JSONFile, err)
	}

	var csvBuf bytes.Buffer
	if err := EncodeCSV(&csvBuf, records); err != nil {
		return err
	}
	csvURI, err := w.blobs.PutObject(ctx, CSVFile, "text/csv", &csvBuf)
	if err != nil {
		return fmt.Errorf("write %s: %w", CSVFile, err)
	}

	w.logger.Info("snapshots written",
		zap.Int("records", len(records)),
		zap.String("json", jsonURI),
		zap.String("csv", csvURI),
	)
	return nil
}

// EncodeJSON writes records as a two-space indented array.
func EncodeJSON(out io.Writer, records []crawler.JobRecord) error {
	normalized := make([]crawler.JobRecord, len(records))
	for i, rec := range records {
		rec.Posting = rec.Normalized()
		normalized[i] = rec
	}
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(normalized); err != nil {
		return fmt.Errorf("encode json snapshot: %w", err)
	}
	return nil
}

// EncodeCSV writes the header and one row per record. List fields are
// embedded as JSON array text; quoting follows RFC 4180.
func EncodeCSV(out io.Writer, records []crawler.JobRecord) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range records {
		row, err := Row(rec)
		if err != nil {
			return err
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %q: %w", rec.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Row renders one record in Header order.
func Row(rec crawler.JobRecord) ([]string, error) {
	tags, err := listCell(rec.FundingTags)
	if err != nil {
		return nil, fmt.Errorf("encode funding_tags for %q: %w", rec.ID, err)
	}
	industries, err := listCell(rec.Industries)
	if err != nil {
		return nil, fmt.Errorf("encode industries for %q: %w", rec.ID, err)
	}
	return []string{
		rec.ID,
		rec.Company,
		rec.JobTitle,
		rec.JobURL,
		rec.ApplyURL,
		rec.CompanySite,
		rec.Location,
		rec.Experience,
		rec.Posted,
		rec.PostedAgeDays.String(),
		rec.CompanySize,
		tags,
		industries,
		rec.WhatTheyDo,
		rec.Logo,
		timestamp(rec.CreatedAt),
		timestamp(rec.UpdatedAt),
		rec.Source,
	}, nil
}

func listCell(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(values); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

package his

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testImporter() *Importer {
	return &Importer{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		lastSync: time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC),
	}
}

func TestSyncWindowAdvancesAfterSuccess(t *testing.T) {
	imp := testImporter()
	before := imp.lastSync

	imp.patientSync = func(ctx context.Context, since time.Time) error { return nil }
	imp.recordSync = func(ctx context.Context, since time.Time) error { return nil }

	imp.syncOnce(context.Background())

	if !imp.lastSync.After(before) {
		t.Errorf("window did not advance after a successful pass: %v", imp.lastSync)
	}
}

func TestSyncWindowHeldOnFailure(t *testing.T) {
	imp := testImporter()
	window := imp.lastSync

	var patientSince, recordSince []time.Time
	recordErr := fmt.Errorf("link down")

	imp.patientSync = func(ctx context.Context, since time.Time) error {
		patientSince = append(patientSince, since)
		return nil
	}
	imp.recordSync = func(ctx context.Context, since time.Time) error {
		recordSince = append(recordSince, since)
		return recordErr
	}

	imp.syncOnce(context.Background())

	if !imp.lastSync.Equal(window) {
		t.Fatalf("window advanced despite record sync failure: %v", imp.lastSync)
	}

	// The next pass retries the same window, so rows modified during
	// the failed pass are not skipped.
	recordErr = nil
	imp.syncOnce(context.Background())

	if len(patientSince) != 2 || len(recordSince) != 2 {
		t.Fatalf("expected two passes, got %d patient and %d record syncs", len(patientSince), len(recordSince))
	}
	if !patientSince[1].Equal(window) || !recordSince[1].Equal(window) {
		t.Errorf("retry used window %v / %v, want %v", patientSince[1], recordSince[1], window)
	}
	if !imp.lastSync.After(window) {
		t.Errorf("window did not advance after the successful retry: %v", imp.lastSync)
	}
}

func TestSyncStopsAfterPatientFailure(t *testing.T) {
	imp := testImporter()
	window := imp.lastSync

	recordCalls := 0
	imp.patientSync = func(ctx context.Context, since time.Time) error {
		return fmt.Errorf("timeout")
	}
	imp.recordSync = func(ctx context.Context, since time.Time) error {
		recordCalls++
		return nil
	}

	imp.syncOnce(context.Background())

	// Records reference patients, so the record sync is skipped when
	// the patient sync failed.
	if recordCalls != 0 {
		t.Errorf("record sync ran %d times after patient sync failure", recordCalls)
	}
	if !imp.lastSync.Equal(window) {
		t.Errorf("window advanced despite patient sync failure: %v", imp.lastSync)
	}
}

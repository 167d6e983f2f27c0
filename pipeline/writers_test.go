package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aluiziolira/go-price-updater/models"
	"github.com/shopspring/decimal"
)

func sampleOutcome() models.ItemOutcome {
	return models.ItemOutcome{
		RunID:     "run-1",
		ItemID:    7,
		Title:     "Test Widget",
		URL:       "http://example.test/dp/B000000007",
		Outcome:   models.OutcomeUpdated,
		OldPrice:  decimal.RequireFromString("10"),
		NewPrice:  decimal.RequireFromString("12.5"),
		Attempts:  1,
		CheckedAt: time.Date(2026, 10, 18, 1, 0, 0, 0, time.UTC),
	}
}

func TestCSVWriterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "outcomes.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := writer.Write([]models.ItemOutcome{sampleOutcome()}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate csv: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}
	if records[0][0] != "run_id" || records[0][4] != "outcome" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	row := records[1]
	if row[1] != "7" || row[4] != "updated" || row[5] != "10.00" || row[6] != "12.50" {
		t.Fatalf("unexpected row: %v", row)
	}
	if row[10] != "2026-10-18T01:00:00Z" {
		t.Fatalf("checked_at=%q, want RFC3339 UTC", row[10])
	}
}

func TestJSONWriterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.jsonl")

	writer, err := NewJSONWriter(path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	if err := writer.Write([]models.ItemOutcome{sampleOutcome(), sampleOutcome()}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var decoded models.ItemOutcome
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		if decoded.Outcome != models.OutcomeUpdated || !decoded.NewPrice.Equal(decimal.RequireFromString("12.5")) {
			t.Fatalf("decoded=%+v", decoded)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	if count != 2 {
		t.Fatalf("json lines=%d, want 2", count)
	}
}

func TestDualWriterWrite(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "outcomes.csv")
	jsonPath := filepath.Join(dir, "outcomes.jsonl")

	writer, err := NewDualWriter(csvPath, jsonPath)
	if err != nil {
		t.Fatalf("create dual writer: %v", err)
	}
	if err := writer.Write([]models.ItemOutcome{sampleOutcome()}); err != nil {
		t.Fatalf("write dual: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate dual: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close dual: %v", err)
	}

	if info, err := os.Stat(csvPath); err != nil || info.Size() == 0 {
		t.Fatalf("csv file missing or empty")
	}
	if info, err := os.Stat(jsonPath); err != nil || info.Size() == 0 {
		t.Fatalf("json file missing or empty")
	}
}

func TestJSONWriterValidateEmpty(t *testing.T) {
	writer, err := NewJSONWriter(filepath.Join(t.TempDir(), "empty.jsonl"))
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	defer writer.Close()
	if err := writer.Validate(); err == nil {
		t.Fatalf("expected empty file to fail validation")
	}
}

package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-price-updater/models"
)

// DualWriter writes every outcome to both a CSV and a JSONL file.
type DualWriter struct {
	csvWriter  *CSVWriter
	jsonWriter *JSONWriter
	mu         sync.Mutex
}

// NewDualWriter opens both output files.
func NewDualWriter(csvFilename, jsonFilename string) (*DualWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("create csv writer: %w", err)
	}

	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("create json writer: %w", err)
	}

	return &DualWriter{
		csvWriter:  csvWriter,
		jsonWriter: jsonWriter,
	}, nil
}

// Write appends outcomes to both files.
func (dw *DualWriter) Write(outcomes []models.ItemOutcome) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.csvWriter.Write(outcomes); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}

	if err := dw.jsonWriter.Write(outcomes); err != nil {
		return fmt.Errorf("write json: %w", err)
	}

	return nil
}

// Close closes both files.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error

	if err := dw.csvWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close csv: %w", err))
	}

	if err := dw.jsonWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close json: %w", err))
	}

	return errors.Join(errs...)
}

// Validate checks that both files have content.
func (dw *DualWriter) Validate() error {
	var errs []error

	if err := dw.csvWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("validate csv: %w", err))
	}

	if err := dw.jsonWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("validate json: %w", err))
	}

	return errors.Join(errs...)
}

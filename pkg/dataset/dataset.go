// Package dataset reads parallel corpora stored as CSV.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	SourceColumn = "source_text"
	TargetColumn = "target_text"
)

var (
	ErrMissingColumn = errors.New("missing column")
	ErrNoRows        = errors.New("dataset has no data rows")
)

// Example is one row of the corpus.
type Example struct {
	SourceText string
	TargetText string
}

// ReadFile loads every row of the CSV at path. An empty file, or one with
// only a header, yields ErrNoRows.
func ReadFile(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	examples, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return examples, nil
}

func Read(r io.Reader) ([]Example, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	src, tgt := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) {
		case SourceColumn:
			src = i
		case TargetColumn:
			tgt = i
		}
	}
	if src < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, SourceColumn)
	}
	if tgt < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, TargetColumn)
	}

	var examples []Example
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(examples)+1, err)
		}
		if src >= len(record) || tgt >= len(record) {
			return nil, fmt.Errorf("row %d: %w: expected at least %d fields, got %d",
				len(examples)+1, ErrMissingColumn, max(src, tgt)+1, len(record))
		}
		examples = append(examples, Example{
			SourceText: record[src],
			TargetText: record[tgt],
		})
	}

	if len(examples) == 0 {
		return nil, ErrNoRows
	}
	return examples, nil
}

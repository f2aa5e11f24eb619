package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Veraticus/tally/internal/model"
)

var errMissingColumn = errors.New("missing column")

// csvTable is a CSV file read by header name.
type csvTable struct {
	columns map[string]int
	rows    [][]string
}

func readCSV(r io.Reader) (*csvTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: CSV has no header", errMissingColumn)
	}

	t := &csvTable{columns: make(map[string]int), rows: records[1:]}
	for i, name := range records[0] {
		t.columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return t, nil
}

func (t *csvTable) require(names ...string) error {
	for _, n := range names {
		if _, ok := t.columns[n]; !ok {
			return fmt.Errorf("%w: %s", errMissingColumn, n)
		}
	}
	return nil
}

func (t *csvTable) get(row []string, name string) string {
	i, ok := t.columns[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// parseRequests reads a description column plus optional amount and date
// columns. Blank descriptions are kept so results line up with input rows.
func parseRequests(r io.Reader) ([]model.ClassifyRequest, error) {
	t, err := readCSV(r)
	if err != nil {
		return nil, err
	}
	if err := t.require("description"); err != nil {
		return nil, err
	}

	reqs := make([]model.ClassifyRequest, 0, len(t.rows))
	for i, row := range t.rows {
		req := model.ClassifyRequest{Description: t.get(row, "description")}
		if s := t.get(row, "amount"); s != "" {
			amount, err := strconv.ParseFloat(strings.TrimPrefix(s, "$"), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid amount %q: %w", i+2, s, err)
			}
			req.Amount = &amount
		}
		if s := t.get(row, "date"); s != "" {
			date, err := model.ParseDate(s)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i+2, err)
			}
			req.Date = date
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// parseGolden reads description,true_category rows. Rows missing either
// value are skipped.
func parseGolden(r io.Reader) ([]model.LabeledExample, error) {
	t, err := readCSV(r)
	if err != nil {
		return nil, err
	}
	if err := t.require("description", "true_category"); err != nil {
		return nil, err
	}

	examples := make([]model.LabeledExample, 0, len(t.rows))
	for _, row := range t.rows {
		ex := model.LabeledExample{
			Description:  t.get(row, "description"),
			TrueCategory: t.get(row, "true_category"),
		}
		if ex.Description == "" || ex.TrueCategory == "" {
			continue
		}
		examples = append(examples, ex)
	}
	return examples, nil
}

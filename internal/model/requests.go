package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar date form accepted alongside RFC 3339.
const DateLayout = "2006-01-02"

// ClassifyRequest is the input to a classification.
type ClassifyRequest struct {
	Date        *time.Time `json:"date,omitempty"`
	Amount      *float64   `json:"amount,omitempty"`
	Description string     `json:"description"`
}

// UnmarshalJSON reads date as a YYYY-MM-DD or RFC 3339 string. An empty or
// null date leaves Date nil.
func (r *ClassifyRequest) UnmarshalJSON(data []byte) error {
	type plain ClassifyRequest
	aux := struct {
		*plain
		Date *string `json:"date"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Date = nil
	if aux.Date == nil {
		return nil
	}
	date, err := ParseDate(*aux.Date)
	if err != nil {
		return err
	}
	r.Date = date
	return nil
}

// ParseDate parses a YYYY-MM-DD or RFC 3339 date. Blank input is no date.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("date %q is neither YYYY-MM-DD nor RFC 3339", s)
	}
	return &t, nil
}

// CorrectionRequest applies a human category to a stored transaction.
type CorrectionRequest struct {
	TransactionID     string `json:"transaction_id"`
	CorrectedCategory string `json:"corrected_category"`
}

// CorrectionResult reports the outcome of a correction.
type CorrectionResult struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// CounterfactualRequest asks whether a modifier changes the outcome.
type CounterfactualRequest struct {
	Description string `json:"description"`
	Modifier    string `json:"modifier"`
}

// CounterfactualResult diffs the base and modified decisions.
type CounterfactualResult struct {
	OriginalCategory string    `json:"original_category"`
	NewCategory      string    `json:"new_category"`
	AnalysisSummary  string    `json:"analysis_summary"`
	TriggerWords     []string  `json:"trigger_words"`
	Original         *Decision `json:"original,omitempty"`
	Modified         *Decision `json:"modified,omitempty"`
	Changed          bool      `json:"changed"`
}

// LabeledExample is one row of a golden evaluation set.
type LabeledExample struct {
	Description  string
	TrueCategory string
}

// EvaluationReport summarizes a golden-set run.
type EvaluationReport struct {
	BySource   map[Source]int
	Mistakes   []EvaluationMistake
	Total      int
	Correct    int
	Reviewed   int
	Undecided  int
	Accuracy   float64
	ReviewRate float64
}

// EvaluationMistake records one wrong prediction.
type EvaluationMistake struct {
	Description string
	Expected    string
	Predicted   string
	Source      Source
}

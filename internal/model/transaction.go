package model

import "time"

// TransactionRecord is a classified expense line. The input fields are
// immutable; the decision fields change exactly once, on correction.
type TransactionRecord struct {
	CreatedAt   time.Time
	Date        *time.Time
	Amount      *float64
	CorrectedAt *time.Time

	ID string
	// RawDescription never leaves the process; only CleanedDescription is stored.
	RawDescription     string `json:"-"`
	CleanedDescription string
	MerchantKey        string

	PredictedCategory string
	CorrectedCategory string
	Source            Source
	RiskLevel         RiskLevel
	Confidence        float64
	RiskScore         float64
	NeedsReview       bool
	Overridden        bool
	PIIRedacted       bool
}

// FinalCategory returns the category a bookkeeper should use for the record.
func (t *TransactionRecord) FinalCategory() string {
	if t.Overridden {
		return t.CorrectedCategory
	}
	return t.PredictedCategory
}

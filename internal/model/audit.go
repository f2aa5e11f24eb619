package model

import (
	"encoding/json"
	"time"
)

// AuditKind tags an audit event.
type AuditKind string

// Audit kinds.
const (
	AuditClassification AuditKind = "classification"
	AuditCorrection     AuditKind = "correction"
)

// AuditEvent is one durable entry in the decision log.
type AuditEvent struct {
	CreatedAt     time.Time
	ID            string
	TransactionID string
	Kind          AuditKind
	Payload       json.RawMessage
}

// CorrectionAudit is the payload stored for correction events.
type CorrectionAudit struct {
	MerchantKey       string `json:"merchant_key"`
	PreviousCategory  string `json:"previous_category"`
	CorrectedCategory string `json:"corrected_category"`
	NumOverrides      int    `json:"num_overrides"`
}

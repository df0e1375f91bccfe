package models

import "time"

// BatchStatus is the lifecycle status of a ScanBatch.
type BatchStatus string

const (
	// BatchPending is waiting for a run to consume it.
	BatchPending BatchStatus = "pending"
	// BatchExecuted has been consumed and must never be selected again.
	BatchExecuted BatchStatus = "executed"
)

// ScanBatch is one persisted scan.
type ScanBatch struct {
	ScanTime         time.Time         `json:"scan_time"`
	ExpiresAt        time.Time         `json:"expires_at"`
	ExecutedAt       *time.Time        `json:"executed_at,omitempty"`
	ID               string            `json:"id"`
	Status           BatchStatus       `json:"status"`
	Opportunities    []Opportunity     `json:"opportunities"`
	ExecutionResults []ExecutionRecord `json:"execution_results,omitempty"`
	OpportunityCount int               `json:"opportunity_count"`
	ExecutedCount    int               `json:"executed_count,omitempty"`
}

// NewScanBatch builds a pending batch expiring maxAge after scanTime.
func NewScanBatch(id string, scanTime time.Time, maxAge time.Duration, opps []Opportunity) *ScanBatch {
	if opps == nil {
		opps = []Opportunity{}
	}
	return &ScanBatch{
		ID:               id,
		ScanTime:         scanTime.UTC(),
		ExpiresAt:        scanTime.UTC().Add(maxAge),
		Status:           BatchPending,
		Opportunities:    opps,
		OpportunityCount: len(opps),
	}
}

// Age is the elapsed time since the scan.
func (b *ScanBatch) Age(now time.Time) time.Duration {
	return now.Sub(b.ScanTime)
}

// IsStale reports whether the batch is older than maxAge.
func (b *ScanBatch) IsStale(now time.Time, maxAge time.Duration) bool {
	return b.Age(now) > maxAge
}

// IsExecuted reports whether the batch has been consumed.
func (b *ScanBatch) IsExecuted() bool {
	return b.Status == BatchExecuted
}

// ExecutionRecord is the persisted outcome of one submitted opportunity.
type ExecutionRecord struct {
	Symbol       string `json:"symbol"`
	OptionSymbol string `json:"option_symbol"`
	OrderID      string `json:"order_id,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Contracts    int    `json:"contracts"`
	Success      bool   `json:"success"`
}

package domain

import "time"

// ProgressEvent is a best-effort progress tuple for one batch and stage.
type ProgressEvent struct {
	BatchID   int64  `json:"batchId"`
	Stage     string `json:"stage"`
	Status    string `json:"status,omitempty"`
	MasterID  int64  `json:"master_id,omitempty"`
	Processed int64  `json:"processed"`
	Total     int64  `json:"total"`
}

// WorkerHeartbeat describes what a verification slot worker is doing.
type WorkerHeartbeat struct {
	WorkerID      string    `json:"workerId"`
	Slot          int       `json:"slot"`
	Credential    string    `json:"key"`
	ActiveJob     string    `json:"activeJob"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// WatcherActivity is one reconciliation pass as recorded for operators.
type WatcherActivity struct {
	Timestamp       time.Time `json:"ts"`
	StuckDedupe     int       `json:"stuck_dedupe"`
	StuckFilter     int       `json:"stuck_filter"`
	StuckValidation int       `json:"stuck_validation"`
	StuckSplit      int       `json:"stuck_split"`
	RecoveredLeases int       `json:"recovered_leases"`
	Completed       int       `json:"completed"`
	BatchesAffected []int64   `json:"batches_affected"`
	Error           string    `json:"error,omitempty"`
}

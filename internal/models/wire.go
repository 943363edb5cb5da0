package models

import "time"

// Ingest response statuses
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial success"
)

// WireRecord is the JSON shape of one record in an upload batch
type WireRecord struct {
	ID        string `json:"id" validate:"required"`
	Barcode   string `json:"barcode" validate:"required,barcode"`
	Timestamp string `json:"timestamp" validate:"required,scantime"`
	SiteID    string `json:"site_id"`
}

// FailedRecord reports why the server could not persist one record
type FailedRecord struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// UploadResponse is the body of a 200 answer to an upload
type UploadResponse struct {
	Status        string         `json:"status"`
	SuccessIDs    []string       `json:"success_ids"`
	FailedRecords []FailedRecord `json:"failed_records"`
}

// NewUploadResponse builds a response with non-nil slices and the matching status
func NewUploadResponse(success []string, failed []FailedRecord) UploadResponse {
	if success == nil {
		success = []string{}
	}
	if failed == nil {
		failed = []FailedRecord{}
	}
	status := StatusSuccess
	if len(failed) > 0 {
		status = StatusPartialSuccess
	}
	return UploadResponse{
		Status:        status,
		SuccessIDs:    success,
		FailedRecords: failed,
	}
}

// IngestedEvent is published to the broker after a batch commits
type IngestedEvent struct {
	EventID    string    `json:"event_id"`
	SiteID     string    `json:"site_id"`
	RecordIDs  []string  `json:"record_ids"`
	Failed     int       `json:"failed"`
	IngestedAt time.Time `json:"ingested_at"`
}

package domain

import (
	"fmt"
	"time"
)

// BatchStatus is the processing state of a batch.
type BatchStatus string

const (
	BatchPending BatchStatus = "pending"
	BatchDone    BatchStatus = "done"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	return s == BatchPending || s == BatchDone
}

// Batch is a group of up to BatchSize locations tracked in the ledger.
type Batch struct {
	ID           int
	File         string
	Locations    int
	Status       BatchStatus
	Attempts     int
	LastError    string
	ResultFile   string
	ResultSHA256 string
	Rows         int
	UpdatedAt    time.Time
}

// BatchFileName returns the marker file name for a batch id.
func BatchFileName(id int) string {
	return fmt.Sprintf("unprocessed_data_%d.csv", id)
}

// ResultFileName names the result of a batch from its id and date range.
func ResultFileName(id int, start, end time.Time, ext string) string {
	return fmt.Sprintf("cams_batch_%04d_%s_%s.%s", id, start.Format(DateLayout), end.Format(DateLayout), ext)
}

// ResultInfo describes a durably written result file.
type ResultInfo struct {
	Path   string
	SHA256 string
	Rows   int
}

// BatchCompleted is published once a batch reaches the done state.
type BatchCompleted struct {
	BatchID      int       `json:"batch_id"`
	Locations    int       `json:"locations"`
	Rows         int       `json:"rows"`
	ResultFile   string    `json:"result_file"`
	ResultSHA256 string    `json:"result_sha256"`
	SkyType      string    `json:"sky_type"`
	TimeStep     string    `json:"time_step"`
	StartDate    string    `json:"start_date"`
	EndDate      string    `json:"end_date"`
	CompletedAt  time.Time `json:"completed_at"`
}

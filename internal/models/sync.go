package models

import "time"

type SyncStatus string

const (
	SyncQueued    SyncStatus = "queued"
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// SyncOptions are the operator-supplied knobs for one bulk sync run.
type SyncOptions struct {
	BatchSize      int  `json:"batchSize"`
	DeleteExisting bool `json:"deleteExisting"`
	SyncRatings    bool `json:"syncRatings"`
}

// SyncJob is the persisted state of one bulk index sync, keyed by ID.
type SyncJob struct {
	ID               string      `json:"id"`
	Status           SyncStatus  `json:"status"`
	Options          SyncOptions `json:"options"`
	TotalRecords     int64       `json:"totalRecords"`
	ProcessedRecords int64       `json:"processedRecords"`
	FailedRecords    int64       `json:"failedRecords"`
	CurrentOperation string      `json:"currentOperation"`
	Errors           []string    `json:"errors"`
	CreatedAt        time.Time   `json:"createdAt"`
	StartedAt        *time.Time  `json:"startedAt,omitempty"`
	FinishedAt       *time.Time  `json:"finishedAt,omitempty"`
}

func (j *SyncJob) IsRunning() bool {
	return j.Status == SyncQueued || j.Status == SyncRunning
}

// Progress is the processed share of total records as a percentage.
func (j *SyncJob) Progress() float64 {
	if j.TotalRecords <= 0 {
		if j.Status == SyncCompleted {
			return 100
		}
		return 0
	}
	p := float64(j.ProcessedRecords) / float64(j.TotalRecords) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Package collect defines core types shared across subsystems.
package collect

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobType represents the kind of collection a job performs.
type JobType string

// Job type values persisted in the job store.
const (
	JobTypeKBPrice   JobType = "kb_price"
	JobTypeRegionAll JobType = "region_all"
)

// JobStatus represents the lifecycle state of a collection job definition.
type JobStatus string

// Job status values. Jobs are never hard-deleted; disabled is the end state.
const (
	JobStatusActive   JobStatus = "active"
	JobStatusPaused   JobStatus = "paused"
	JobStatusDisabled JobStatus = "disabled"
)

// RunStatus represents the state of one execution of a job or ad-hoc trigger.
type RunStatus string

// Run status values. success, partial, failed and cancelled are terminal.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus represents the state of a single collection task within a run.
type TaskStatus string

// Task status values. success, failed and skipped are terminal; retry means
// the task is waiting in the queue for another attempt.
const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusRetry   TaskStatus = "retry"
	TaskStatusSkipped TaskStatus = "skipped"
)

// Terminal reports whether the task status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Priority orders complexes when capacity is contended.
type Priority string

// Complex collection priorities.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Job is a reusable, schedulable definition of what to collect and how often.
type Job struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               JobType   `json:"job_type"`
	Description        string    `json:"description,omitempty"`
	TargetConfig       string    `json:"target_config,omitempty"`
	CronSchedule       string    `json:"cron_schedule,omitempty"`
	MaxConcurrency     int       `json:"max_concurrency"`
	RateLimitPerMinute int       `json:"rate_limit_per_minute"`
	Status             JobStatus `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`

	// LastRunID is derived from the run history when jobs are served over
	// the API; it is never persisted on the job row.
	LastRunID *int64 `json:"last_run_id,omitempty"`
}

// Run is one concrete execution instance, composed of Tasks. Ad-hoc runs have
// a nil JobID.
type Run struct {
	ID            int64      `json:"id"`
	JobID         *int64     `json:"job_id"`
	Status        RunStatus  `json:"status"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	TotalTasks    int        `json:"total_tasks"`
	SuccessCount  int        `json:"success_count"`
	FailedCount   int        `json:"failed_count"`
	SkippedCount  int        `json:"skipped_count"`
	TargetSummary string     `json:"target_summary,omitempty"`
	TriggeredBy   string     `json:"triggered_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Task is the unit of work within a run, targeting one collection operation
// against one complex.
type Task struct {
	ID             int64      `json:"id"`
	RunID          int64      `json:"run_id"`
	Key            string     `json:"task_key"`
	Status         TaskStatus `json:"status"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	RetryCount     int        `json:"retry_count"`
	ItemsCollected int        `json:"items_collected"`
	ItemsSaved     int        `json:"items_saved"`
	ErrorType      string     `json:"error_type,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Area is one floor-plan size registered under a complex. Price snapshots are
// collected per area.
type Area struct {
	ID          int64   `json:"id"`
	ComplexID   int64   `json:"complex_id"`
	ExclusiveM2 float64 `json:"exclusive_m2"`
	SupplyM2    float64 `json:"supply_m2,omitempty"`
	Pyeong      float64 `json:"pyeong,omitempty"`
	KBAreaCode  string  `json:"kb_area_code,omitempty"`
}

// Complex is a real-estate target entity (apartment complex) tracked for
// collection. Its lifecycle is independent from runs.
type Complex struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Address         string    `json:"address"`
	RegionCode      string    `json:"region_code,omitempty"`
	KBComplexID     string    `json:"kb_complex_id,omitempty"`
	Priority        Priority  `json:"priority"`
	Active          bool      `json:"is_active"`
	CollectListings bool      `json:"collect_listings"`
	Areas           []Area    `json:"areas"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Batch is the per-sido aggregate view over the implicit region job and its
// runs. It is computed, never persisted.
type Batch struct {
	SidoCode     string    `json:"sido_code"`
	SidoName     string    `json:"sido_name"`
	ComplexCount int       `json:"complex_count"`
	JobID        *int64    `json:"job_id"`
	JobStatus    JobStatus `json:"job_status,omitempty"`
	CronSchedule string    `json:"cron_schedule,omitempty"`
	LastRuns     []Run     `json:"last_runs"`
}

// ListingStatus tracks the visibility of an asking-price listing at the source.
type ListingStatus string

// Listing status values.
const (
	ListingActive  ListingStatus = "active"
	ListingSold    ListingStatus = "sold"
	ListingRemoved ListingStatus = "removed"
	ListingUnknown ListingStatus = "unknown"
)

// PricePoint is one price snapshot for a (complex, area, as-of date) key.
type PricePoint struct {
	ComplexID    int64     `json:"complex_id"`
	AreaID       int64     `json:"area_id"`
	AsOfDate     time.Time `json:"as_of_date"`
	GeneralPrice int64     `json:"general_price"`
	HighAvgPrice int64     `json:"high_avg_price"`
	LowAvgPrice  int64     `json:"low_avg_price"`
	Source       string    `json:"source"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Transaction is one recorded sale for a complex.
type Transaction struct {
	ComplexID    int64     `json:"complex_id"`
	ContractDate time.Time `json:"contract_date"`
	Price        int64     `json:"price"`
	ExclusiveM2  float64   `json:"exclusive_m2"`
	Floor        int       `json:"floor"`
	Source       string    `json:"source"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Listing is one asking-price listing keyed by the source's listing ID.
type Listing struct {
	ComplexID       int64         `json:"complex_id"`
	SourceListingID string        `json:"source_listing_id"`
	AskPrice        int64         `json:"ask_price"`
	ExclusiveM2     float64       `json:"exclusive_m2,omitempty"`
	Floor           int           `json:"floor,omitempty"`
	Status          ListingStatus `json:"status"`
	PostedAt        *time.Time    `json:"posted_at"`
	FetchedAt       time.Time     `json:"fetched_at"`
	LastSeenAt      time.Time     `json:"last_seen_at"`
}

// TaskMessage is the queue item handed to the executor pool. NotBefore delays
// retried tasks until their backoff has elapsed.
type TaskMessage struct {
	TaskID    int64
	RunID     int64
	JobID     *int64
	Key       string
	Attempt   int
	NotBefore time.Time
}

// TaskSummary is the per-task slice of a run status snapshot.
type TaskSummary struct {
	Key            string     `json:"task_key"`
	Status         TaskStatus `json:"status"`
	ItemsCollected int        `json:"items_collected"`
	ItemsSaved     int        `json:"items_saved"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	RetryCount     int        `json:"retry_count"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
}

// RunStatusSnapshot is the polling payload. Counters are always present, zero
// before any task completes. Tasks is capped; Remainder tallies the statuses
// of tasks beyond the cap.
type RunStatusSnapshot struct {
	RunID        int64              `json:"run_id"`
	Status       RunStatus          `json:"status"`
	StartedAt    *time.Time         `json:"started_at"`
	FinishedAt   *time.Time         `json:"finished_at"`
	TotalTasks   int                `json:"total_tasks"`
	SuccessCount int                `json:"success_count"`
	FailedCount  int                `json:"failed_count"`
	SkippedCount int                `json:"skipped_count"`
	Tasks        []TaskSummary      `json:"tasks"`
	Remainder    map[TaskStatus]int `json:"remainder,omitempty"`
}

// TaskKind identifies which collection operation a task key encodes.
type TaskKind string

// Task kinds derived from task keys.
const (
	TaskKindPrice       TaskKind = "kb_price"
	TaskKindListing     TaskKind = "kb_listing"
	TaskKindTransaction TaskKind = "molit_tx"
)

// PriceTaskKey builds the task key for a per-area price collection.
func PriceTaskKey(complexID, areaID int64) string {
	return fmt.Sprintf("kb_price_%d_%d", complexID, areaID)
}

// ListingTaskKey builds the task key for a per-complex listing collection.
func ListingTaskKey(complexID int64) string {
	return fmt.Sprintf("kb_listing_%d", complexID)
}

// TransactionTaskKey builds the task key for a per-complex transaction pull.
func TransactionTaskKey(complexID int64) string {
	return fmt.Sprintf("molit_tx_%d", complexID)
}

// ParseTaskKey splits a task key into its kind, complex ID, and (for price
// tasks) area ID. ok is false for keys this engine did not mint.
func ParseTaskKey(key string) (kind TaskKind, complexID, areaID int64, ok bool) {
	switch {
	case strings.HasPrefix(key, "kb_price_"):
		parts := strings.Split(key, "_")
		if len(parts) != 4 {
			return "", 0, 0, false
		}
		cid, err1 := strconv.ParseInt(parts[2], 10, 64)
		aid, err2 := strconv.ParseInt(parts[3], 10, 64)
		if err1 != nil || err2 != nil {
			return "", 0, 0, false
		}
		return TaskKindPrice, cid, aid, true
	case strings.HasPrefix(key, "kb_listing_"):
		cid, err := strconv.ParseInt(strings.TrimPrefix(key, "kb_listing_"), 10, 64)
		if err != nil {
			return "", 0, 0, false
		}
		return TaskKindListing, cid, 0, true
	case strings.HasPrefix(key, "molit_tx_"):
		cid, err := strconv.ParseInt(strings.TrimPrefix(key, "molit_tx_"), 10, 64)
		if err != nil {
			return "", 0, 0, false
		}
		return TaskKindTransaction, cid, 0, true
	default:
		return "", 0, 0, false
	}
}

package collect

import (
	"context"
	"time"
)

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status    JobStatus
	Type      JobType
	Scheduled bool // only jobs with a non-empty cron schedule
	Offset    int
	Limit     int
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	JobID  *int64
	Status RunStatus
	Offset int
	Limit  int
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status TaskStatus
	Offset int
	Limit  int
}

// ComplexFilter narrows ListComplexes results.
type ComplexFilter struct {
	Active       *bool
	RegionPrefix string
	Search       string
	Offset       int
	Limit        int
}

// JobStore persists job definitions.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) (Job, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	UpdateJob(ctx context.Context, job Job) (Job, error)
	// FindJobByTarget looks up a job by type and exact target_config match,
	// used to locate the implicit region job for a sido.
	FindJobByTarget(ctx context.Context, jobType JobType, targetConfig string) (Job, bool, error)
}

// RunStore persists run rows.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) (Run, error)
	GetRun(ctx context.Context, id int64) (Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	UpdateRun(ctx context.Context, run Run) error
	// LatestRuns returns the most recent runs for a job, newest first.
	LatestRuns(ctx context.Context, jobID int64, limit int) ([]Run, error)
}

// TaskStore persists task rows.
type TaskStore interface {
	CreateTasks(ctx context.Context, tasks []Task) ([]Task, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	ListTasks(ctx context.Context, runID int64, filter TaskFilter) ([]Task, error)
	UpdateTask(ctx context.Context, task Task) error
	// StaleRunning returns tasks still marked running whose start time is
	// older than the cutoff, for crash reconciliation.
	StaleRunning(ctx context.Context, cutoff time.Time) ([]Task, error)
}

// ComplexStore persists the collection target catalog.
type ComplexStore interface {
	CreateComplex(ctx context.Context, cpx Complex) (Complex, error)
	GetComplex(ctx context.Context, id int64) (Complex, error)
	ListComplexes(ctx context.Context, filter ComplexFilter) ([]Complex, int, error)
	UpdateComplex(ctx context.Context, cpx Complex) (Complex, error)
	DeleteComplex(ctx context.Context, id int64) error
	// ComplexesByIDs resolves an explicit ID list, preserving only rows that
	// exist.
	ComplexesByIDs(ctx context.Context, ids []int64) ([]Complex, error)
	// ActiveByRegionPrefix resolves all active complexes whose region code
	// starts with the prefix.
	ActiveByRegionPrefix(ctx context.Context, prefix string) ([]Complex, error)
}

// DataStore persists collected rows and serves them back for browsing. All
// writes are idempotent upserts so retried tasks never duplicate data.
type DataStore interface {
	UpsertPrice(ctx context.Context, p PricePoint) error
	UpsertTransaction(ctx context.Context, tx Transaction) error
	UpsertListing(ctx context.Context, l Listing) error
	// RetireUnseenListings flips active listings for the complex that are not
	// in seen to removed, returning how many were retired.
	RetireUnseenListings(ctx context.Context, complexID int64, seen []string, at time.Time) (int, error)

	// ListPrices returns price snapshots for a complex, newest first. A zero
	// areaID matches every area.
	ListPrices(ctx context.Context, complexID, areaID int64, limit int) ([]PricePoint, error)
	// ListTransactions returns recorded sales for a complex, newest first.
	ListTransactions(ctx context.Context, complexID int64, limit int) ([]Transaction, error)
	// ListListings returns listings for a complex, optionally filtered by
	// status, newest first.
	ListListings(ctx context.Context, complexID int64, status ListingStatus, limit int) ([]Listing, error)
}

// CollectRequest hands the executor's resolved context to a Collector.
type CollectRequest struct {
	Kind    TaskKind
	TaskKey string
	RunID   int64
	Complex Complex
	// Area is set for price tasks only.
	Area *Area
}

// CollectResult reports what one collection attempt produced.
type CollectResult struct {
	ItemsCollected int
	ItemsSaved     int
}

// Collector performs one collection operation against an external source and
// persists the results. Implementations must be idempotent per request.
type Collector interface {
	Collect(ctx context.Context, req CollectRequest) (CollectResult, error)
}

// Queue provides enqueue/dequeue semantics for task messages.
type Queue interface {
	Enqueue(ctx context.Context, msg TaskMessage) error
	Dequeue(ctx context.Context) (TaskMessage, error)
}

// TaskCompleter serializes terminal task updates and run finalization.
// Implementations reject updates against terminal runs with ErrRunFinalized.
type TaskCompleter interface {
	CompleteTask(ctx context.Context, task Task) error
}

// Publisher pushes lifecycle events to Pub/Sub (or an in-memory stand-in).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw payload snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request-scoped IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

package worker

import (
	"context"
	"database/sql"

	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/repository/postgres"
)

// BatchStore reads and transitions batch rows.
type BatchStore interface {
	Get(ctx context.Context, id int64) (*domain.Batch, error)
	SetStatus(ctx context.Context, id int64, status domain.BatchStatus) error
	StartIfPending(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64) (bool, error)
	Pause(ctx context.Context, id int64, stage domain.Stage) error
	Resume(ctx context.Context, id int64) (domain.Stage, error)
	SubmitterRole(ctx context.Context, userID string) (string, error)
	MarkDeletedAndPurge(ctx context.Context, id int64) error
	ResetDownstream(ctx context.Context, id int64) ([]int64, error)
}

// StagingStore reads raw addresses awaiting dedupe.
type StagingStore interface {
	Count(ctx context.Context, batchID int64) (int64, error)
	NextChunk(ctx context.Context, batchID int64, limit int) ([]domain.StagedEmail, error)
	DeleteThrough(ctx context.Context, batchID, maxID int64) error
}

// MasterStore holds deduplicated addresses.
type MasterStore interface {
	Insert(ctx context.Context, m *domain.MasterEmail) (bool, error)
	Get(ctx context.Context, id int64) (*domain.MasterEmail, error)
	CountForBatch(ctx context.Context, batchID int64) (int64, error)
}

// FilteredStore holds one filter record per master.
type FilteredStore interface {
	Insert(ctx context.Context, f *domain.FilteredEmail) (bool, error)
	Get(ctx context.Context, masterID int64) (*domain.FilteredEmail, error)
	Counts(ctx context.Context, batchID int64) (postgres.FilterCounts, error)
}

// ResultStore holds one verification result per master.
type ResultStore interface {
	Insert(ctx context.Context, v *domain.VerificationResult) (bool, error)
	Latest(ctx context.Context, masterID int64) (*domain.VerificationResult, error)
	CountVerified(ctx context.Context, batchID int64) (int64, error)
}

// FinalStore holds the classified business and personal partitions.
type FinalStore interface {
	Insert(ctx context.Context, f *domain.FinalEmail) (bool, error)
	CountSplit(ctx context.Context, batchID int64) (int64, error)
}

// ListStore answers the read-only unsubscribe and public-provider lookups.
type ListStore interface {
	IsUnsubscribed(ctx context.Context, email, domain string) (bool, error)
	IsPublicDomain(ctx context.Context, domain string) (bool, error)
}

// BoundaryStore finds work stuck between stages.
type BoundaryStore interface {
	StagedBatches(ctx context.Context, limit int) ([]int64, error)
	UnfilteredBatches(ctx context.Context, limit int) ([]int64, error)
	UnfilteredIDs(ctx context.Context, batchID int64, limit int) ([]int64, error)
	UnverifiedBatches(ctx context.Context, limit int) ([]int64, error)
	UnverifiedIDs(ctx context.Context, batchID int64, limit int) ([]int64, error)
	UnsplitBatches(ctx context.Context, limit int) ([]int64, error)
	UnsplitIDs(ctx context.Context, batchID int64, limit int) ([]int64, error)
	OpenBatches(ctx context.Context, limit int) ([]int64, error)
	MasterBatches(ctx context.Context, masterIDs []int64) (map[int64]int64, error)
}

// AuditStore records operator actions.
type AuditStore interface {
	Record(ctx context.Context, action, actor, resource string, details interface{}) error
}

// Stores bundles every relational dependency of the pipeline.
type Stores struct {
	Batches    BatchStore
	Staging    StagingStore
	Masters    MasterStore
	Filtered   FilteredStore
	Results    ResultStore
	Final      FinalStore
	Lists      ListStore
	Boundaries BoundaryStore
	Audit      AuditStore
}

// PostgresStores wires every store to db.
func PostgresStores(db *sql.DB) Stores {
	return Stores{
		Batches:    postgres.NewBatchRepo(db),
		Staging:    postgres.NewStagingRepo(db),
		Masters:    postgres.NewMasterRepo(db),
		Filtered:   postgres.NewFilteredRepo(db),
		Results:    postgres.NewResultRepo(db),
		Final:      postgres.NewFinalRepo(db),
		Lists:      postgres.NewRuleRepo(db),
		Boundaries: postgres.NewBoundaryRepo(db),
		Audit:      postgres.NewAuditRepo(db),
	}
}

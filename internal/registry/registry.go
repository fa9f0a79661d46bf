// Package registry is the dedup source of truth: content assets keyed
// by hash, book records resolving to them, processing jobs, and the
// per-user quota counters. Every mutating operation is transactional;
// ref-count changes are atomic increments, never read-modify-write.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quietlake/bookvault/internal/models"
)

// CommitUploadParams describes a finished upload to register.
type CommitUploadParams struct {
	UserID      uuid.UUID
	ContentHash string
	StorageKey  string
	Size        int64
	Title       string
	Author      string
	Format      models.BookFormat
}

// CommitUploadResult reports what the registry decided under the
// duplicate-hash race: a fresh asset plus owner record, or a reference
// to the asset a concurrent uploader created first.
type CommitUploadResult struct {
	Record       *models.BookRecord
	Asset        *models.ContentAsset
	Deduplicated bool
	// OrphanedKey is set when the uploaded bytes are redundant (the
	// hash already existed); the caller may delete them eagerly, the
	// orphan sweep catches them otherwise.
	OrphanedKey string
}

// CreateReferenceParams describes an instant-upload reference request.
type CreateReferenceParams struct {
	UserID      uuid.UUID
	ContentHash string
	Title       string
	Author      string
}

// ReleaseOutcome reports the bookkeeping a delete performed. Object
// deletions are the caller's job: the registry row work commits first,
// keys in OrphanedKeys are removed best-effort afterwards.
type ReleaseOutcome struct {
	Record        *models.BookRecord
	RecordRemoved bool
	SoftDeleted   bool
	// Promoted is the reference record that took over the owner slot
	// when the previous owner was removed while references remained.
	Promoted *models.BookRecord
	// RemovedAsset is set when the canonical asset's registry row was
	// removed; its bytes and derived artifacts are in OrphanedKeys.
	RemovedAsset *models.ContentAsset
	OrphanedKeys []string
}

// BookUpdate carries the mutable metadata of a record. Nil fields are
// left untouched.
type BookUpdate struct {
	Title    *string
	Author   *string
	Language *string
	CoverKey *string
	// ExpectedVersion, when set, makes the update conditional: a
	// mismatch means a concurrent edit won and the call conflicts.
	ExpectedVersion *int64
}

// JobParams describes a processing job to create when no active job
// for the same hash and operation exists.
type JobParams struct {
	ContentHash string
	Operation   models.OperationType
	Tier        models.Tier
	RequestedBy uuid.UUID
}

// JobResult is written onto the canonical asset when a job completes.
type JobResult struct {
	ResultKey           string
	HasTextLayer        *bool
	TextLayerConfidence *float64
}

// Store is the registry persistence contract. The postgres
// implementation backs production; a memory implementation backs tests.
type Store interface {
	// Upload path. CommitUpload re-checks for duplicates inside its
	// own transaction: the InitUpload-time answer is advisory only.
	CommitUpload(ctx context.Context, p CommitUploadParams) (*CommitUploadResult, error)
	CreateReference(ctx context.Context, p CreateReferenceParams) (*models.BookRecord, error)

	// Reads. Records come back with their asset joined.
	GetBook(ctx context.Context, bookID, userID uuid.UUID) (*models.BookRecord, error)
	ListBooks(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*models.BookRecord, int, error)
	FindLiveAssetByHash(ctx context.Context, contentHash string) (*models.ContentAsset, error)
	FindCanonicalBook(ctx context.Context, contentHash string) (*models.BookRecord, error)

	// UpdateBook edits record metadata in place and bumps the version.
	UpdateBook(ctx context.Context, bookID, userID uuid.UUID, upd BookUpdate) (*models.BookRecord, error)

	// Deletion lifecycle. ReleaseBook is the interactive path;
	// ReleaseExpired is the sweep path for records whose soft-delete
	// grace has elapsed. Both share the same promote-or-reap rules.
	ReleaseBook(ctx context.Context, bookID, userID uuid.UUID, permanent bool) (*ReleaseOutcome, error)
	ReleaseExpired(ctx context.Context, recordID uuid.UUID) (*ReleaseOutcome, error)
	ReapAsset(ctx context.Context, assetID uuid.UUID) ([]string, error)
	ListReapableAssets(ctx context.Context, deletedBefore time.Time, limit int) ([]*models.ContentAsset, error)
	ListExpiredRecords(ctx context.Context, deletedBefore time.Time, limit int) ([]*models.BookRecord, error)
	IsKeyReferenced(ctx context.Context, key string) (bool, error)

	// Jobs. CreateOrGetActiveJob answers "is there already a queued or
	// running job for this hash" inside the same transaction that
	// would otherwise enqueue a new one.
	CreateOrGetActiveJob(ctx context.Context, p JobParams) (job *models.ProcessingJob, created bool, err error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error)
	FindActiveJob(ctx context.Context, contentHash string, op models.OperationType) (*models.ProcessingJob, error)
	StartJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error)
	CompleteJob(ctx context.Context, jobID uuid.UUID, result JobResult) (*models.ProcessingJob, error)
	FailJob(ctx context.Context, jobID uuid.UUID, reason string, attemptCap int) (job *models.ProcessingJob, requeue bool, err error)

	// Quota counters.
	GetUserStats(ctx context.Context, userID uuid.UUID) (*models.UserStats, error)
	ConsumeProcessingCredit(ctx context.Context, userID uuid.UUID) (remaining int, err error)
	RefundProcessingCredit(ctx context.Context, userID uuid.UUID) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quietlake/bookvault/internal/apperr"
	"github.com/quietlake/bookvault/internal/models"
)

// MemoryStore implements Store with in-process maps. One mutex guards
// everything, which gives each operation the same atomicity the
// postgres implementation gets from transactions.
type MemoryStore struct {
	mu      sync.Mutex
	assets  map[uuid.UUID]*models.ContentAsset
	records map[uuid.UUID]*models.BookRecord
	jobs    map[uuid.UUID]*models.ProcessingJob
	stats   map[uuid.UUID]*models.UserStats

	defaultCredits int
}

// NewMemory creates an empty in-memory registry. New users start with
// defaultCredits processing allowance.
func NewMemory(defaultCredits int) *MemoryStore {
	return &MemoryStore{
		assets:         make(map[uuid.UUID]*models.ContentAsset),
		records:        make(map[uuid.UUID]*models.BookRecord),
		jobs:           make(map[uuid.UUID]*models.ProcessingJob),
		stats:          make(map[uuid.UUID]*models.UserStats),
		defaultCredits: defaultCredits,
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// ---- upload path ----

func (s *MemoryStore) CommitUpload(ctx context.Context, p CommitUploadParams) (*CommitUploadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if existing := s.liveAssetByHash(p.ContentHash); existing != nil {
		// Lost the duplicate-hash race (or InitUpload was skipped):
		// become a reference instead of erroring the uploader.
		existing.RefCount++
		existing.UpdatedAt = now
		record := s.insertRecord(p.UserID, existing.ID, false, p.Title, p.Author, "", p.Format, now)
		s.adjustStats(p.UserID, 0, 1)
		return &CommitUploadResult{
			Record:       s.cloneRecordWithAsset(record),
			Asset:        cloneAsset(existing),
			Deduplicated: true,
			OrphanedKey:  p.StorageKey,
		}, nil
	}

	asset := &models.ContentAsset{
		ID:               uuid.New(),
		ContentHash:      p.ContentHash,
		StorageKey:       p.StorageKey,
		Size:             p.Size,
		RefCount:         1,
		ProcessingStatus: models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.assets[asset.ID] = asset
	record := s.insertRecord(p.UserID, asset.ID, true, p.Title, p.Author, "", p.Format, now)
	s.adjustStats(p.UserID, p.Size, 1)

	return &CommitUploadResult{
		Record: s.cloneRecordWithAsset(record),
		Asset:  cloneAsset(asset),
	}, nil
}

func (s *MemoryStore) CreateReference(ctx context.Context, p CreateReferenceParams) (*models.BookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset := s.liveAssetByHash(p.ContentHash)
	if asset == nil {
		return nil, apperr.NotFound("no canonical asset for hash %s", p.ContentHash)
	}

	now := time.Now()
	title, author, language := p.Title, p.Author, ""
	format := models.FormatFromKey(asset.StorageKey)
	if owner := s.ownerRecord(asset.ID); owner != nil {
		if title == "" {
			title = owner.Title
		}
		if author == "" {
			author = owner.Author
		}
		language = owner.Language
		format = owner.Format
	}

	asset.RefCount++
	asset.UpdatedAt = now
	record := s.insertRecord(p.UserID, asset.ID, false, title, author, language, format, now)
	s.adjustStats(p.UserID, 0, 1)

	return s.cloneRecordWithAsset(record), nil
}

// ---- reads ----

func (s *MemoryStore) GetBook(ctx context.Context, bookID, userID uuid.UUID) (*models.BookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[bookID]
	if !ok || record.UserID != userID || !record.Live() {
		return nil, apperr.NotFound("book %s not found", bookID)
	}
	return s.cloneRecordWithAsset(record), nil
}

func (s *MemoryStore) ListBooks(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*models.BookRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.BookRecord
	for _, record := range s.records {
		if record.UserID == userID && record.Live() {
			all = append(all, record)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]*models.BookRecord, 0, end-start)
	for _, record := range all[start:end] {
		out = append(out, s.cloneRecordWithAsset(record))
	}
	return out, total, nil
}

func (s *MemoryStore) FindLiveAssetByHash(ctx context.Context, contentHash string) (*models.ContentAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if asset := s.liveAssetByHash(contentHash); asset != nil {
		return cloneAsset(asset), nil
	}
	return nil, apperr.NotFound("no live asset for hash %s", contentHash)
}

func (s *MemoryStore) FindCanonicalBook(ctx context.Context, contentHash string) (*models.BookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset := s.liveAssetByHash(contentHash)
	if asset == nil {
		return nil, apperr.NotFound("no live asset for hash %s", contentHash)
	}
	owner := s.ownerRecord(asset.ID)
	if owner == nil {
		return nil, apperr.NotFound("no canonical record for hash %s", contentHash)
	}
	return s.cloneRecordWithAsset(owner), nil
}

// ---- deletion lifecycle ----

func (s *MemoryStore) ReleaseBook(ctx context.Context, bookID, userID uuid.UUID, permanent bool) (*ReleaseOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[bookID]
	if !ok || record.UserID != userID || !record.Live() {
		return nil, apperr.NotFound("book %s not found", bookID)
	}
	return s.release(record, permanent, true)
}

func (s *MemoryStore) ReleaseExpired(ctx context.Context, recordID uuid.UUID) (*ReleaseOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[recordID]
	if !ok {
		return nil, apperr.NotFound("record %s not found", recordID)
	}
	if record.Live() {
		return nil, apperr.Conflict("record %s is not soft-deleted", recordID)
	}
	// Grace elapsed: the soft-deleted record hard-deletes now. Stats
	// were adjusted when the user deleted it.
	return s.release(record, true, false)
}

// release holds the one copy of the promote-or-reap rules both delete
// paths share. Caller holds the lock.
func (s *MemoryStore) release(record *models.BookRecord, permanent, adjustStats bool) (*ReleaseOutcome, error) {
	asset := s.assets[record.AssetID]
	if asset == nil {
		// Dangling record; drop it.
		delete(s.records, record.ID)
		return &ReleaseOutcome{Record: cloneRecord(record), RecordRemoved: true}, nil
	}

	now := time.Now()
	outcome := &ReleaseOutcome{Record: cloneRecord(record)}
	if record.CoverKey != "" {
		outcome.OrphanedKeys = append(outcome.OrphanedKeys, record.CoverKey)
	}

	switch {
	case !record.IsOwner:
		// Reference: always hard-removed, one ref unit released.
		delete(s.records, record.ID)
		outcome.RecordRemoved = true
		asset.RefCount--
		asset.UpdatedAt = now
		if adjustStats {
			s.adjustStats(record.UserID, 0, -1)
		}
		if asset.SoftDeletedAt != nil && asset.RefCount <= 1 {
			s.reapAssetLocked(asset, outcome)
		} else if s.liveRecordCount(asset.ID) == 0 {
			// 最后一个活读者走了, 只剩软删除的 owner 占位:
			// 资产转入软删除, 宽限期后由清扫回收
			asset.SoftDeletedAt = &now
		}

	case permanent || asset.RefCount <= 1:
		delete(s.records, record.ID)
		outcome.RecordRemoved = true
		asset.RefCount--
		asset.UpdatedAt = now
		if adjustStats {
			s.adjustStats(record.UserID, -asset.Size, -1)
		}
		if asset.RefCount > 0 {
			// References remain: promote the oldest one to owner so
			// nobody is left pointing at removed bytes.
			if promoted := s.promoteLocked(asset, now); promoted != nil {
				outcome.Promoted = cloneRecord(promoted)
				s.adjustStats(promoted.UserID, asset.Size, 0)
			}
		} else {
			s.reapAssetLocked(asset, outcome)
		}

	default:
		// Owner with live references: only the record goes soft-deleted.
		// The asset stays live so the readers keep their bytes and the
		// hash keeps matching instant uploads.
		record.SoftDeletedAt = &now
		record.CoverKey = "" // 私有数据不等宽限期
		record.Version++
		record.UpdatedAt = now
		outcome.SoftDeleted = true
		if adjustStats {
			s.adjustStats(record.UserID, -asset.Size, -1)
		}
	}

	return outcome, nil
}

func (s *MemoryStore) promoteLocked(asset *models.ContentAsset, now time.Time) *models.BookRecord {
	var oldest *models.BookRecord
	for _, r := range s.records {
		if r.AssetID == asset.ID && r.Live() && !r.IsOwner {
			if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
				oldest = r
			}
		}
	}
	if oldest == nil {
		return nil
	}
	oldest.IsOwner = true
	oldest.Version++
	oldest.UpdatedAt = now
	asset.SoftDeletedAt = nil
	return oldest
}

// reapAssetLocked removes the asset row and any records still pointing
// at it, collecting every object key for best-effort deletion.
func (s *MemoryStore) reapAssetLocked(asset *models.ContentAsset, outcome *ReleaseOutcome) {
	for id, r := range s.records {
		if r.AssetID == asset.ID {
			if r.CoverKey != "" {
				outcome.OrphanedKeys = append(outcome.OrphanedKeys, r.CoverKey)
			}
			delete(s.records, id)
		}
	}
	outcome.OrphanedKeys = append(outcome.OrphanedKeys, asset.ArtifactKeys()...)
	outcome.RemovedAsset = cloneAsset(asset)
	delete(s.assets, asset.ID)
}

func (s *MemoryStore) ReapAsset(ctx context.Context, assetID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.assets[assetID]
	if !ok {
		return nil, apperr.NotFound("asset %s not found", assetID)
	}
	live := 0
	for _, r := range s.records {
		if r.AssetID == assetID && r.Live() {
			live++
		}
	}
	if live > 0 {
		return nil, apperr.Conflict("asset %s still has %d live records", assetID, live)
	}
	outcome := &ReleaseOutcome{}
	s.reapAssetLocked(asset, outcome)
	return outcome.OrphanedKeys, nil
}

func (s *MemoryStore) ListReapableAssets(ctx context.Context, deletedBefore time.Time, limit int) ([]*models.ContentAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ContentAsset
	for _, asset := range s.assets {
		if asset.SoftDeletedAt == nil || !asset.SoftDeletedAt.Before(deletedBefore) {
			continue
		}
		live := 0
		for _, r := range s.records {
			if r.AssetID == asset.ID && r.Live() {
				live++
			}
		}
		if live == 0 {
			out = append(out, cloneAsset(asset))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListExpiredRecords(ctx context.Context, deletedBefore time.Time, limit int) ([]*models.BookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.BookRecord
	for _, record := range s.records {
		if record.SoftDeletedAt != nil && record.SoftDeletedAt.Before(deletedBefore) {
			out = append(out, cloneRecord(record))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) IsKeyReferenced(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, asset := range s.assets {
		if asset.StorageKey == key || asset.OCRKey == key || asset.ConvertedKey == key {
			return true, nil
		}
	}
	for _, record := range s.records {
		if record.CoverKey == key {
			return true, nil
		}
	}
	return false, nil
}

// ---- jobs ----

func (s *MemoryStore) CreateOrGetActiveJob(ctx context.Context, p JobParams) (*models.ProcessingJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.activeJob(p.ContentHash, p.Operation); existing != nil {
		return cloneJob(existing), false, nil
	}

	now := time.Now()
	job := &models.ProcessingJob{
		ID:          uuid.New(),
		ContentHash: p.ContentHash,
		Operation:   p.Operation,
		Tier:        p.Tier,
		State:       models.JobQueued,
		RequestedBy: p.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[job.ID] = job
	return cloneJob(job), true, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) FindActiveJob(ctx context.Context, contentHash string, op models.OperationType) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job := s.activeJob(contentHash, op); job != nil {
		return cloneJob(job), nil
	}
	return nil, apperr.NotFound("no active %s job for hash %s", op, contentHash)
}

func (s *MemoryStore) StartJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	switch job.State {
	case models.JobRunning:
		// Redelivery; the earlier attempt owns it.
		return cloneJob(job), nil
	case models.JobQueued:
		now := time.Now()
		job.State = models.JobRunning
		job.Attempts++
		job.StartedAt = &now
		job.UpdatedAt = now
		return cloneJob(job), nil
	default:
		return nil, apperr.Conflict("job %s already %s", jobID, job.State)
	}
}

func (s *MemoryStore) CompleteJob(ctx context.Context, jobID uuid.UUID, result JobResult) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	if job.State == models.JobCompleted {
		return cloneJob(job), nil // idempotent under redelivery
	}
	now := time.Now()
	job.State = models.JobCompleted
	job.ResultKey = result.ResultKey
	job.Error = ""
	job.FinishedAt = &now
	job.UpdatedAt = now

	// Result lands on the canonical asset so every current and future
	// reference benefits. A hard-deleted asset just ignores it.
	if asset := s.liveAssetByHash(job.ContentHash); asset != nil {
		applyResult(asset, job.Operation, result, now)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) FailJob(ctx context.Context, jobID uuid.UUID, reason string, attemptCap int) (*models.ProcessingJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false, apperr.NotFound("job %s not found", jobID)
	}
	if job.State == models.JobCompleted || job.State == models.JobFailed {
		return cloneJob(job), false, nil
	}

	now := time.Now()
	job.Error = reason
	job.UpdatedAt = now
	if job.Attempts < attemptCap {
		job.State = models.JobQueued
		return cloneJob(job), true, nil
	}

	job.State = models.JobFailed
	job.FinishedAt = &now
	if asset := s.liveAssetByHash(job.ContentHash); asset != nil {
		asset.ProcessingStatus = models.StatusFailed
		asset.ProcessingError = reason
		asset.UpdatedAt = now
	}
	return cloneJob(job), false, nil
}

// ---- quota ----

func (s *MemoryStore) GetUserStats(ctx context.Context, userID uuid.UUID) (*models.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneStats(s.statsFor(userID)), nil
}

func (s *MemoryStore) ConsumeProcessingCredit(ctx context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.statsFor(userID)
	if stats.ProcessingCredits <= 0 {
		return 0, apperr.QuotaExceeded("processing allowance exhausted")
	}
	stats.ProcessingCredits--
	stats.UpdatedAt = time.Now()
	return stats.ProcessingCredits, nil
}

// RefundProcessingCredit returns one unit taken by ConsumeProcessingCredit.
func (s *MemoryStore) RefundProcessingCredit(ctx context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.statsFor(userID)
	stats.ProcessingCredits++
	stats.UpdatedAt = time.Now()
	return nil
}

// SetProcessingCredits seeds a user's allowance. Test helper.
func (s *MemoryStore) SetProcessingCredits(userID uuid.UUID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsFor(userID).ProcessingCredits = n
}

// UpdateBook edits record metadata under the store lock.
func (s *MemoryStore) UpdateBook(ctx context.Context, bookID, userID uuid.UUID, upd BookUpdate) (*models.BookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[bookID]
	if !ok || record.UserID != userID || !record.Live() {
		return nil, apperr.NotFound("book %s not found", bookID)
	}
	if upd.ExpectedVersion != nil && record.Version != *upd.ExpectedVersion {
		return nil, apperr.Conflict("book %s was modified concurrently", bookID)
	}

	if upd.Title != nil {
		record.Title = *upd.Title
	}
	if upd.Author != nil {
		record.Author = *upd.Author
	}
	if upd.Language != nil {
		record.Language = *upd.Language
	}
	if upd.CoverKey != nil {
		record.CoverKey = *upd.CoverKey
	}
	record.Version++
	record.UpdatedAt = time.Now()
	return s.cloneRecordWithAsset(record), nil
}

// ---- internals (caller holds the lock) ----

func (s *MemoryStore) liveAssetByHash(hash string) *models.ContentAsset {
	for _, asset := range s.assets {
		if asset.ContentHash == hash && asset.SoftDeletedAt == nil {
			return asset
		}
	}
	return nil
}

func (s *MemoryStore) liveRecordCount(assetID uuid.UUID) int {
	n := 0
	for _, r := range s.records {
		if r.AssetID == assetID && r.Live() {
			n++
		}
	}
	return n
}

func (s *MemoryStore) ownerRecord(assetID uuid.UUID) *models.BookRecord {
	for _, r := range s.records {
		if r.AssetID == assetID && r.IsOwner && r.Live() {
			return r
		}
	}
	return nil
}

func (s *MemoryStore) activeJob(hash string, op models.OperationType) *models.ProcessingJob {
	for _, job := range s.jobs {
		if job.ContentHash == hash && job.Operation == op && job.State.Active() {
			return job
		}
	}
	return nil
}

func (s *MemoryStore) insertRecord(userID, assetID uuid.UUID, owner bool, title, author, language string, format models.BookFormat, now time.Time) *models.BookRecord {
	record := &models.BookRecord{
		ID:        uuid.New(),
		UserID:    userID,
		AssetID:   assetID,
		IsOwner:   owner,
		Title:     title,
		Author:    author,
		Language:  language,
		Format:    format,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[record.ID] = record
	return record
}

func (s *MemoryStore) statsFor(userID uuid.UUID) *models.UserStats {
	stats, ok := s.stats[userID]
	if !ok {
		stats = &models.UserStats{
			UserID:            userID,
			ProcessingCredits: s.defaultCredits,
			UpdatedAt:         time.Now(),
		}
		s.stats[userID] = stats
	}
	return stats
}

func (s *MemoryStore) adjustStats(userID uuid.UUID, sizeDelta int64, countDelta int) {
	stats := s.statsFor(userID)
	stats.StorageUsed += sizeDelta
	stats.BookCount += countDelta
	stats.UpdatedAt = time.Now()
}

func (s *MemoryStore) cloneRecordWithAsset(record *models.BookRecord) *models.BookRecord {
	out := cloneRecord(record)
	if asset, ok := s.assets[record.AssetID]; ok {
		out.Asset = cloneAsset(asset)
	}
	return out
}

func applyResult(asset *models.ContentAsset, op models.OperationType, result JobResult, now time.Time) {
	switch op {
	case models.OpDetectTextLayer:
		asset.HasTextLayer = result.HasTextLayer
		asset.TextLayerConfidence = result.TextLayerConfidence
	case models.OpOCR:
		asset.OCRKey = result.ResultKey
		hasText := true
		asset.HasTextLayer = &hasText
	case models.OpConvert:
		asset.ConvertedKey = result.ResultKey
	}
	asset.ProcessingStatus = models.StatusReady
	asset.ProcessingError = ""
	asset.UpdatedAt = now
}

func cloneAsset(a *models.ContentAsset) *models.ContentAsset {
	if a == nil {
		return nil
	}
	out := *a
	if a.HasTextLayer != nil {
		v := *a.HasTextLayer
		out.HasTextLayer = &v
	}
	if a.TextLayerConfidence != nil {
		v := *a.TextLayerConfidence
		out.TextLayerConfidence = &v
	}
	if a.SoftDeletedAt != nil {
		v := *a.SoftDeletedAt
		out.SoftDeletedAt = &v
	}
	return &out
}

func cloneRecord(r *models.BookRecord) *models.BookRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Asset = nil
	if r.SoftDeletedAt != nil {
		v := *r.SoftDeletedAt
		out.SoftDeletedAt = &v
	}
	return &out
}

func cloneJob(j *models.ProcessingJob) *models.ProcessingJob {
	if j == nil {
		return nil
	}
	out := *j
	if j.StartedAt != nil {
		v := *j.StartedAt
		out.StartedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		out.FinishedAt = &v
	}
	return &out
}

func cloneStats(st *models.UserStats) *models.UserStats {
	if st == nil {
		return nil
	}
	out := *st
	return &out
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quietlake/bookvault/internal/apperr"
	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/pkg/logger"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool           *pgxpool.Pool
	logger         logger.Logger
	defaultCredits int
}

// NewPostgres connects, ensures the schema, and returns the store.
// New users start with defaultCredits processing allowance.
func NewPostgres(ctx context.Context, dsn string, defaultCredits int, log logger.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, logger: log, defaultCredits: defaultCredits}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const assetColumns = `id, content_hash, storage_key, size, has_text_layer, text_layer_confidence,
	ocr_key, converted_key, ref_count, processing_status, processing_error,
	soft_deleted_at, created_at, updated_at`

const recordColumns = `id, user_id, asset_id, is_owner, title, author, language, format,
	cover_key, version, soft_deleted_at, created_at, updated_at`

const jobColumns = `id, content_hash, operation, tier, state, attempts, result_key, error,
	requested_by, created_at, updated_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*models.ContentAsset, error) {
	var a models.ContentAsset
	err := row.Scan(
		&a.ID, &a.ContentHash, &a.StorageKey, &a.Size, &a.HasTextLayer, &a.TextLayerConfidence,
		&a.OCRKey, &a.ConvertedKey, &a.RefCount, &a.ProcessingStatus, &a.ProcessingError,
		&a.SoftDeletedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanRecord(row rowScanner) (*models.BookRecord, error) {
	var r models.BookRecord
	err := row.Scan(
		&r.ID, &r.UserID, &r.AssetID, &r.IsOwner, &r.Title, &r.Author, &r.Language, &r.Format,
		&r.CoverKey, &r.Version, &r.SoftDeletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanJob(row rowScanner) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	err := row.Scan(
		&j.ID, &j.ContentHash, &j.Operation, &j.Tier, &j.State, &j.Attempts, &j.ResultKey, &j.Error,
		&j.RequestedBy, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ---- upload path ----

func (s *PostgresStore) CommitUpload(ctx context.Context, p CommitUploadParams) (*CommitUploadResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The partial unique index arbitrates the duplicate-hash race: the
	// loser's insert is a no-op and it becomes a reference instead.
	// If the conflicting asset gets hard-deleted between the two
	// statements the increment finds nothing; retry as a fresh insert.
	var asset *models.ContentAsset
	deduplicated := false
	for attempt := 0; attempt < 2 && asset == nil; attempt++ {
		row := tx.QueryRow(ctx, `
			INSERT INTO content_assets (id, content_hash, storage_key, size, ref_count, processing_status)
			VALUES ($1, $2, $3, $4, 1, 'pending')
			ON CONFLICT (content_hash) WHERE soft_deleted_at IS NULL DO NOTHING
			RETURNING `+assetColumns,
			uuid.New(), p.ContentHash, p.StorageKey, p.Size,
		)
		inserted, err := scanAsset(row)
		if err == nil {
			asset = inserted
			deduplicated = false
			break
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to insert content asset: %w", err)
		}
		row = tx.QueryRow(ctx, `
			UPDATE content_assets
			SET ref_count = ref_count + 1, updated_at = now()
			WHERE content_hash = $1 AND soft_deleted_at IS NULL
			RETURNING `+assetColumns, p.ContentHash)
		existing, err := scanAsset(row)
		if err == nil {
			asset = existing
			deduplicated = true
			break
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to increment ref count: %w", err)
		}
	}
	if asset == nil {
		return nil, fmt.Errorf("failed to upsert content asset for hash %s", p.ContentHash)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO book_records (id, user_id, asset_id, is_owner, title, author, format)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+recordColumns,
		uuid.New(), p.UserID, asset.ID, !deduplicated, p.Title, p.Author, p.Format,
	)
	record, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert book record: %w", err)
	}

	sizeDelta := p.Size
	if deduplicated {
		sizeDelta = 0
	}
	if err := s.adjustStatsTx(ctx, tx, p.UserID, sizeDelta, 1); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit upload: %w", err)
	}

	result := &CommitUploadResult{Record: record, Asset: asset, Deduplicated: deduplicated}
	record.Asset = asset
	if deduplicated {
		result.OrphanedKey = p.StorageKey
	}
	return result, nil
}

func (s *PostgresStore) CreateReference(ctx context.Context, p CreateReferenceParams) (*models.BookRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE content_assets
		SET ref_count = ref_count + 1, updated_at = now()
		WHERE content_hash = $1 AND soft_deleted_at IS NULL
		RETURNING `+assetColumns, p.ContentHash)
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no canonical asset for hash %s", p.ContentHash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment ref count: %w", err)
	}

	title, author, language := p.Title, p.Author, ""
	format := string(models.FormatFromKey(asset.StorageKey))
	row = tx.QueryRow(ctx, `
		SELECT title, author, language, format FROM book_records
		WHERE asset_id = $1 AND is_owner AND soft_deleted_at IS NULL
		LIMIT 1`, asset.ID)
	var ownerTitle, ownerAuthor, ownerLanguage, ownerFormat string
	if err := row.Scan(&ownerTitle, &ownerAuthor, &ownerLanguage, &ownerFormat); err == nil {
		if title == "" {
			title = ownerTitle
		}
		if author == "" {
			author = ownerAuthor
		}
		language = ownerLanguage
		format = ownerFormat
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to load canonical record: %w", err)
	}

	row = tx.QueryRow(ctx, `
		INSERT INTO book_records (id, user_id, asset_id, is_owner, title, author, language, format)
		VALUES ($1, $2, $3, false, $4, $5, $6, $7)
		RETURNING `+recordColumns,
		uuid.New(), p.UserID, asset.ID, title, author, language, format,
	)
	record, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reference record: %w", err)
	}

	if err := s.adjustStatsTx(ctx, tx, p.UserID, 0, 1); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reference: %w", err)
	}
	record.Asset = asset
	return record, nil
}

// ---- reads ----

func (s *PostgresStore) GetBook(ctx context.Context, bookID, userID uuid.UUID) (*models.BookRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM book_records
		WHERE id = $1 AND user_id = $2 AND soft_deleted_at IS NULL`, bookID, userID)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("book %s not found", bookID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load book: %w", err)
	}
	return s.attachAsset(ctx, record)
}

func (s *PostgresStore) ListBooks(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*models.BookRecord, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM book_records
		WHERE user_id = $1 AND soft_deleted_at IS NULL`, userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count books: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM book_records
		WHERE user_id = $1 AND soft_deleted_at IS NULL
		ORDER BY created_at DESC
		OFFSET $2 LIMIT $3`, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list books: %w", err)
	}
	defer rows.Close()

	var records []*models.BookRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan book: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate books: %w", err)
	}
	for _, record := range records {
		if _, err := s.attachAsset(ctx, record); err != nil {
			return nil, 0, err
		}
	}
	return records, total, nil
}

func (s *PostgresStore) FindLiveAssetByHash(ctx context.Context, contentHash string) (*models.ContentAsset, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+assetColumns+` FROM content_assets
		WHERE content_hash = $1 AND soft_deleted_at IS NULL`, contentHash)
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no live asset for hash %s", contentHash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find asset: %w", err)
	}
	return asset, nil
}

func (s *PostgresStore) FindCanonicalBook(ctx context.Context, contentHash string) (*models.BookRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+prefixColumns("b", recordColumns)+`
		FROM book_records b
		JOIN content_assets a ON a.id = b.asset_id
		WHERE a.content_hash = $1 AND a.soft_deleted_at IS NULL
		  AND b.is_owner AND b.soft_deleted_at IS NULL
		LIMIT 1`, contentHash)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no canonical record for hash %s", contentHash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find canonical record: %w", err)
	}
	return s.attachAsset(ctx, record)
}

func (s *PostgresStore) UpdateBook(ctx context.Context, bookID, userID uuid.UUID, upd BookUpdate) (*models.BookRecord, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE book_records
		SET title = COALESCE($3, title),
		    author = COALESCE($4, author),
		    language = COALESCE($5, language),
		    cover_key = COALESCE($6, cover_key),
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND user_id = $2 AND soft_deleted_at IS NULL
		  AND ($7::bigint IS NULL OR version = $7)
		RETURNING `+recordColumns,
		bookID, userID, upd.Title, upd.Author, upd.Language, upd.CoverKey, upd.ExpectedVersion)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing book from a lost version race.
		if _, getErr := s.GetBook(ctx, bookID, userID); getErr != nil {
			return nil, getErr
		}
		return nil, apperr.Conflict("book %s was modified concurrently", bookID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update book: %w", err)
	}
	return s.attachAsset(ctx, record)
}

// ---- deletion lifecycle ----

func (s *PostgresStore) ReleaseBook(ctx context.Context, bookID, userID uuid.UUID, permanent bool) (*ReleaseOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM book_records
		WHERE id = $1 AND user_id = $2 AND soft_deleted_at IS NULL
		FOR UPDATE`, bookID, userID)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("book %s not found", bookID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock book record: %w", err)
	}

	outcome, err := s.releaseTx(ctx, tx, record, permanent, true)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return outcome, nil
}

func (s *PostgresStore) ReleaseExpired(ctx context.Context, recordID uuid.UUID) (*ReleaseOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM book_records
		WHERE id = $1 FOR UPDATE`, recordID)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("record %s not found", recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock book record: %w", err)
	}
	if record.SoftDeletedAt == nil {
		return nil, apperr.Conflict("record %s is not soft-deleted", recordID)
	}

	outcome, err := s.releaseTx(ctx, tx, record, true, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit expired delete: %w", err)
	}
	return outcome, nil
}

// releaseTx is the single implementation of the promote-or-reap rules.
func (s *PostgresStore) releaseTx(ctx context.Context, tx pgx.Tx, record *models.BookRecord, permanent, adjustStats bool) (*ReleaseOutcome, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+assetColumns+` FROM content_assets WHERE id = $1 FOR UPDATE`, record.AssetID)
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := tx.Exec(ctx, `DELETE FROM book_records WHERE id = $1`, record.ID); err != nil {
			return nil, fmt.Errorf("failed to drop dangling record: %w", err)
		}
		return &ReleaseOutcome{Record: record, RecordRemoved: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock asset: %w", err)
	}

	outcome := &ReleaseOutcome{Record: record}
	if record.CoverKey != "" {
		outcome.OrphanedKeys = append(outcome.OrphanedKeys, record.CoverKey)
	}

	switch {
	case !record.IsOwner:
		if err := s.dropRecordTx(ctx, tx, record.ID); err != nil {
			return nil, err
		}
		outcome.RecordRemoved = true
		if asset.RefCount, err = s.decrementRefTx(ctx, tx, asset.ID); err != nil {
			return nil, err
		}
		if adjustStats {
			if err := s.adjustStatsTx(ctx, tx, record.UserID, 0, -1); err != nil {
				return nil, err
			}
		}
		if asset.SoftDeletedAt != nil && asset.RefCount <= 1 {
			if err := s.reapAssetTx(ctx, tx, asset, outcome); err != nil {
				return nil, err
			}
		} else {
			var live int
			err := tx.QueryRow(ctx, `
				SELECT count(*) FROM book_records
				WHERE asset_id = $1 AND soft_deleted_at IS NULL`, asset.ID).Scan(&live)
			if err != nil {
				return nil, fmt.Errorf("failed to count live records: %w", err)
			}
			if live == 0 {
				// 最后一个活读者走了, 只剩软删除的 owner 占位:
				// 资产转入软删除, 宽限期后由清扫回收
				_, err = tx.Exec(ctx, `
					UPDATE content_assets SET soft_deleted_at = now(), updated_at = now()
					WHERE id = $1`, asset.ID)
				if err != nil {
					return nil, fmt.Errorf("failed to soft-delete drained asset: %w", err)
				}
			}
		}

	case permanent || asset.RefCount <= 1:
		if err := s.dropRecordTx(ctx, tx, record.ID); err != nil {
			return nil, err
		}
		outcome.RecordRemoved = true
		if asset.RefCount, err = s.decrementRefTx(ctx, tx, asset.ID); err != nil {
			return nil, err
		}
		if adjustStats {
			if err := s.adjustStatsTx(ctx, tx, record.UserID, -asset.Size, -1); err != nil {
				return nil, err
			}
		}
		if asset.RefCount > 0 {
			promoted, err := s.promoteTx(ctx, tx, asset.ID)
			if err != nil {
				return nil, err
			}
			if promoted != nil {
				outcome.Promoted = promoted
				if err := s.adjustStatsTx(ctx, tx, promoted.UserID, asset.Size, 0); err != nil {
					return nil, err
				}
			}
		} else {
			if err := s.reapAssetTx(ctx, tx, asset, outcome); err != nil {
				return nil, err
			}
		}

	default:
		// Owner 还有活引用: 只软删除记录, 资产继续对读者和秒传可见.
		// 封面是私有数据, 不等宽限期.
		_, err := tx.Exec(ctx, `
			UPDATE book_records
			SET soft_deleted_at = now(), cover_key = '', version = version + 1, updated_at = now()
			WHERE id = $1`, record.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to soft-delete record: %w", err)
		}
		outcome.SoftDeleted = true
		if adjustStats {
			if err := s.adjustStatsTx(ctx, tx, record.UserID, -asset.Size, -1); err != nil {
				return nil, err
			}
		}
	}

	return outcome, nil
}

func (s *PostgresStore) dropRecordTx(ctx context.Context, tx pgx.Tx, recordID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `DELETE FROM book_records WHERE id = $1`, recordID); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *PostgresStore) decrementRefTx(ctx context.Context, tx pgx.Tx, assetID uuid.UUID) (int, error) {
	var refCount int
	err := tx.QueryRow(ctx, `
		UPDATE content_assets SET ref_count = ref_count - 1, updated_at = now()
		WHERE id = $1 RETURNING ref_count`, assetID).Scan(&refCount)
	if err != nil {
		return 0, fmt.Errorf("failed to decrement ref count: %w", err)
	}
	return refCount, nil
}

func (s *PostgresStore) promoteTx(ctx context.Context, tx pgx.Tx, assetID uuid.UUID) (*models.BookRecord, error) {
	row := tx.QueryRow(ctx, `
		UPDATE book_records
		SET is_owner = true, version = version + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM book_records
			WHERE asset_id = $1 AND NOT is_owner AND soft_deleted_at IS NULL
			ORDER BY created_at
			LIMIT 1
		)
		RETURNING `+recordColumns, assetID)
	promoted, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to promote reference: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE content_assets SET soft_deleted_at = NULL, updated_at = now()
		WHERE id = $1`, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to revive asset: %w", err)
	}
	return promoted, nil
}

func (s *PostgresStore) reapAssetTx(ctx context.Context, tx pgx.Tx, asset *models.ContentAsset, outcome *ReleaseOutcome) error {
	rows, err := tx.Query(ctx, `
		SELECT cover_key FROM book_records WHERE asset_id = $1 AND cover_key <> ''`, asset.ID)
	if err != nil {
		return fmt.Errorf("failed to collect cover keys: %w", err)
	}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan cover key: %w", err)
		}
		outcome.OrphanedKeys = append(outcome.OrphanedKeys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate cover keys: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM book_records WHERE asset_id = $1`, asset.ID); err != nil {
		return fmt.Errorf("failed to delete remaining records: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM content_assets WHERE id = $1`, asset.ID); err != nil {
		return fmt.Errorf("failed to delete asset row: %w", err)
	}
	outcome.OrphanedKeys = append(outcome.OrphanedKeys, asset.ArtifactKeys()...)
	outcome.RemovedAsset = asset
	return nil
}

func (s *PostgresStore) ReapAsset(ctx context.Context, assetID uuid.UUID) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+assetColumns+` FROM content_assets WHERE id = $1 FOR UPDATE`, assetID)
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("asset %s not found", assetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock asset: %w", err)
	}

	var live int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM book_records
		WHERE asset_id = $1 AND soft_deleted_at IS NULL`, assetID).Scan(&live)
	if err != nil {
		return nil, fmt.Errorf("failed to count live records: %w", err)
	}
	if live > 0 {
		return nil, apperr.Conflict("asset %s still has %d live records", assetID, live)
	}

	outcome := &ReleaseOutcome{}
	if err := s.reapAssetTx(ctx, tx, asset, outcome); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit asset reap: %w", err)
	}
	return outcome.OrphanedKeys, nil
}

func (s *PostgresStore) ListReapableAssets(ctx context.Context, deletedBefore time.Time, limit int) ([]*models.ContentAsset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixColumns("a", assetColumns)+` FROM content_assets a
		WHERE a.soft_deleted_at IS NOT NULL AND a.soft_deleted_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM book_records b
			WHERE b.asset_id = a.id AND b.soft_deleted_at IS NULL
		  )
		ORDER BY a.soft_deleted_at
		LIMIT $2`, deletedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reapable assets: %w", err)
	}
	defer rows.Close()

	var assets []*models.ContentAsset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) ListExpiredRecords(ctx context.Context, deletedBefore time.Time, limit int) ([]*models.BookRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM book_records
		WHERE soft_deleted_at IS NOT NULL AND soft_deleted_at < $1
		ORDER BY soft_deleted_at
		LIMIT $2`, deletedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired records: %w", err)
	}
	defer rows.Close()

	var records []*models.BookRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresStore) IsKeyReferenced(ctx context.Context, key string) (bool, error) {
	var referenced bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM content_assets
			WHERE storage_key = $1 OR ocr_key = $1 OR converted_key = $1
		) OR EXISTS (
			SELECT 1 FROM book_records WHERE cover_key = $1
		)`, key).Scan(&referenced)
	if err != nil {
		return false, fmt.Errorf("failed to check key reference: %w", err)
	}
	return referenced, nil
}

// ---- jobs ----

func (s *PostgresStore) CreateOrGetActiveJob(ctx context.Context, p JobParams) (*models.ProcessingJob, bool, error) {
	// The partial unique index answers "is there already an active job
	// for this hash" in the same statement that would enqueue one.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO processing_jobs (id, content_hash, operation, tier, state, requested_by)
		VALUES ($1, $2, $3, $4, 'queued', $5)
		ON CONFLICT (content_hash, operation) WHERE state IN ('queued', 'running') DO NOTHING
		RETURNING `+jobColumns,
		uuid.New(), p.ContentHash, p.Operation, p.Tier, p.RequestedBy,
	)
	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}

	existing, err := s.FindActiveJob(ctx, p.ContentHash, p.Operation)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) FindActiveJob(ctx context.Context, contentHash string, op models.OperationType) (*models.ProcessingJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE content_hash = $1 AND operation = $2 AND state IN ('queued', 'running')`,
		contentHash, op)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no active %s job for hash %s", op, contentHash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) StartJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE processing_jobs
		SET state = 'running', attempts = attempts + 1, started_at = now(), updated_at = now()
		WHERE id = $1 AND state = 'queued'
		RETURNING `+jobColumns, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Not queued: redelivery of a running job is fine, terminal
		// states are a conflict.
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.State == models.JobRunning {
			return job, nil
		}
		return nil, apperr.Conflict("job %s already %s", jobID, job.State)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID uuid.UUID, result JobResult) (*models.ProcessingJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	if job.State == models.JobCompleted {
		return job, nil // redelivered completion, nothing to do
	}

	row = tx.QueryRow(ctx, `
		UPDATE processing_jobs
		SET state = 'completed', result_key = $2, error = '', finished_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns, jobID, result.ResultKey)
	job, err = scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}

	if err := s.applyResultTx(ctx, tx, job, result); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit job completion: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) applyResultTx(ctx context.Context, tx pgx.Tx, job *models.ProcessingJob, result JobResult) error {
	var err error
	switch job.Operation {
	case models.OpDetectTextLayer:
		_, err = tx.Exec(ctx, `
			UPDATE content_assets
			SET has_text_layer = $2, text_layer_confidence = $3,
			    processing_status = 'ready', processing_error = '', updated_at = now()
			WHERE content_hash = $1 AND soft_deleted_at IS NULL`,
			job.ContentHash, result.HasTextLayer, result.TextLayerConfidence)
	case models.OpOCR:
		_, err = tx.Exec(ctx, `
			UPDATE content_assets
			SET ocr_key = $2, has_text_layer = true,
			    processing_status = 'ready', processing_error = '', updated_at = now()
			WHERE content_hash = $1 AND soft_deleted_at IS NULL`,
			job.ContentHash, result.ResultKey)
	case models.OpConvert:
		_, err = tx.Exec(ctx, `
			UPDATE content_assets
			SET converted_key = $2,
			    processing_status = 'ready', processing_error = '', updated_at = now()
			WHERE content_hash = $1 AND soft_deleted_at IS NULL`,
			job.ContentHash, result.ResultKey)
	}
	if err != nil {
		return fmt.Errorf("failed to write result to asset: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID uuid.UUID, reason string, attemptCap int) (*models.ProcessingJob, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperr.NotFound("job %s not found", jobID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock job: %w", err)
	}
	if job.State == models.JobCompleted || job.State == models.JobFailed {
		return job, false, nil
	}

	requeue := job.Attempts < attemptCap
	if requeue {
		row = tx.QueryRow(ctx, `
			UPDATE processing_jobs
			SET state = 'queued', error = $2, updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns, jobID, reason)
	} else {
		row = tx.QueryRow(ctx, `
			UPDATE processing_jobs
			SET state = 'failed', error = $2, finished_at = now(), updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns, jobID, reason)
	}
	job, err = scanJob(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fail job: %w", err)
	}

	if !requeue {
		_, err = tx.Exec(ctx, `
			UPDATE content_assets
			SET processing_status = 'failed', processing_error = $2, updated_at = now()
			WHERE content_hash = $1 AND soft_deleted_at IS NULL`, job.ContentHash, reason)
		if err != nil {
			return nil, false, fmt.Errorf("failed to mark asset failed: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit job failure: %w", err)
	}
	return job, requeue, nil
}

// ---- quota ----

func (s *PostgresStore) GetUserStats(ctx context.Context, userID uuid.UUID) (*models.UserStats, error) {
	if err := s.ensureStats(ctx, userID); err != nil {
		return nil, err
	}
	var stats models.UserStats
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, storage_used, book_count, processing_credits, updated_at
		FROM user_stats WHERE user_id = $1`, userID).
		Scan(&stats.UserID, &stats.StorageUsed, &stats.BookCount, &stats.ProcessingCredits, &stats.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load user stats: %w", err)
	}
	return &stats, nil
}

func (s *PostgresStore) ConsumeProcessingCredit(ctx context.Context, userID uuid.UUID) (int, error) {
	if err := s.ensureStats(ctx, userID); err != nil {
		return 0, err
	}
	var remaining int
	err := s.pool.QueryRow(ctx, `
		UPDATE user_stats
		SET processing_credits = processing_credits - 1, updated_at = now()
		WHERE user_id = $1 AND processing_credits > 0
		RETURNING processing_credits`, userID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.QuotaExceeded("processing allowance exhausted")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to consume processing credit: %w", err)
	}
	return remaining, nil
}

func (s *PostgresStore) RefundProcessingCredit(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE user_stats
		SET processing_credits = processing_credits + 1, updated_at = now()
		WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to refund processing credit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureStats(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_stats (user_id, processing_credits)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, s.defaultCredits)
	if err != nil {
		return fmt.Errorf("failed to ensure user stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) adjustStatsTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, sizeDelta int64, countDelta int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_stats (user_id, storage_used, book_count, processing_credits)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET storage_used = user_stats.storage_used + $2,
		    book_count = user_stats.book_count + $3,
		    updated_at = now()`,
		userID, sizeDelta, countDelta, s.defaultCredits)
	if err != nil {
		return fmt.Errorf("failed to adjust user stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) attachAsset(ctx context.Context, record *models.BookRecord) (*models.BookRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+assetColumns+` FROM content_assets WHERE id = $1`, record.AssetID)
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return record, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load asset for record: %w", err)
	}
	record.Asset = asset
	return record, nil
}

// prefixColumns qualifies a comma-separated column list with a table
// alias for joined queries.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

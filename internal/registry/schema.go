package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied at startup. The two partial unique indexes carry
// the core invariants: one live asset per content hash, one active job
// per (hash, operation).
const schema = `
CREATE TABLE IF NOT EXISTS content_assets (
	id UUID PRIMARY KEY,
	content_hash TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	has_text_layer BOOLEAN,
	text_layer_confidence DOUBLE PRECISION,
	ocr_key TEXT NOT NULL DEFAULT '',
	converted_key TEXT NOT NULL DEFAULT '',
	ref_count INTEGER NOT NULL DEFAULT 1,
	processing_status TEXT NOT NULL DEFAULT 'pending',
	processing_error TEXT NOT NULL DEFAULT '',
	soft_deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS content_assets_live_hash
	ON content_assets (content_hash)
	WHERE soft_deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS book_records (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	asset_id UUID NOT NULL REFERENCES content_assets(id) ON DELETE CASCADE,
	is_owner BOOLEAN NOT NULL DEFAULT false,
	title TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL DEFAULT 'unknown',
	cover_key TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 1,
	soft_deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS book_records_user_live
	ON book_records (user_id) WHERE soft_deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS book_records_asset
	ON book_records (asset_id);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id UUID PRIMARY KEY,
	content_hash TEXT NOT NULL,
	operation TEXT NOT NULL,
	tier TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	result_key TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	requested_by UUID NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS processing_jobs_active
	ON processing_jobs (content_hash, operation)
	WHERE state IN ('queued', 'running');

CREATE TABLE IF NOT EXISTS user_stats (
	user_id UUID PRIMARY KEY,
	storage_used BIGINT NOT NULL DEFAULT 0,
	book_count INTEGER NOT NULL DEFAULT 0,
	processing_credits INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure registry schema: %w", err)
	}
	return nil
}

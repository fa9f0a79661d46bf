package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// BookFormat 原始文件格式
type BookFormat string

const (
	FormatEPUB    BookFormat = "epub"
	FormatPDF     BookFormat = "pdf"
	FormatMOBI    BookFormat = "mobi"
	FormatAZW3    BookFormat = "azw3"
	FormatTXT     BookFormat = "txt"
	FormatImage   BookFormat = "image"
	FormatUnknown BookFormat = "unknown"
)

// ProcessingStatus tracks where a book's content sits in the pipeline.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusReady      ProcessingStatus = "ready"
	StatusFailed     ProcessingStatus = "failed"
)

// ContentAsset is the canonical stored-bytes entity, one per distinct
// content hash. Pipeline results live here so every record pointing at
// the asset observes them.
type ContentAsset struct {
	ID          uuid.UUID `json:"id"`
	ContentHash string    `json:"contentHash"` // sha256 hex
	StorageKey  string    `json:"storageKey"`
	Size        int64     `json:"size"`

	HasTextLayer        *bool    `json:"hasTextLayer,omitempty"`
	TextLayerConfidence *float64 `json:"textLayerConfidence,omitempty"`
	OCRKey              string   `json:"ocrKey,omitempty"`
	ConvertedKey        string   `json:"convertedKey,omitempty"`

	RefCount         int              `json:"refCount"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	ProcessingError  string           `json:"processingError,omitempty"`

	SoftDeletedAt *time.Time `json:"softDeletedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Live reports whether the asset is still visible to dedup lookups.
func (a *ContentAsset) Live() bool {
	return a != nil && a.SoftDeletedAt == nil
}

// NeedsOCR reports whether the asset's content has no usable text
// layer. Low-confidence text layers count as image-based.
func (a *ContentAsset) NeedsOCR() bool {
	if a.HasTextLayer == nil {
		return true
	}
	if !*a.HasTextLayer {
		return true
	}
	if a.TextLayerConfidence != nil && *a.TextLayerConfidence < 0.8 {
		return true
	}
	return false
}

// ArtifactKeys lists every object key the asset owns in the store:
// primary bytes plus derived pipeline outputs.
func (a *ContentAsset) ArtifactKeys() []string {
	keys := make([]string, 0, 3)
	if a.StorageKey != "" {
		keys = append(keys, a.StorageKey)
	}
	if a.OCRKey != "" {
		keys = append(keys, a.OCRKey)
	}
	if a.ConvertedKey != "" {
		keys = append(keys, a.ConvertedKey)
	}
	return keys
}

// BookRecord is one user's book. The first uploader's record owns the
// asset bookkeeping slot; later uploaders get reference records
// pointing at the same asset. Pipeline-result fields never live here.
type BookRecord struct {
	ID      uuid.UUID `json:"id"`
	UserID  uuid.UUID `json:"userId"`
	AssetID uuid.UUID `json:"assetId"`
	IsOwner bool      `json:"isOwner"`

	Title    string     `json:"title"`
	Author   string     `json:"author,omitempty"`
	Language string     `json:"language,omitempty"`
	Format   BookFormat `json:"format"`
	CoverKey string     `json:"coverKey,omitempty"` // private derived artifact

	Version       int64      `json:"version"`
	SoftDeletedAt *time.Time `json:"softDeletedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	// Asset is the joined canonical asset, populated on reads.
	Asset *ContentAsset `json:"asset,omitempty"`
}

// Live reports whether the record is not soft-deleted.
func (b *BookRecord) Live() bool {
	return b != nil && b.SoftDeletedAt == nil
}

// UserStats holds per-user quota accounting. All mutations are atomic
// increments in the registry, never read-modify-write.
type UserStats struct {
	UserID            uuid.UUID `json:"userId"`
	StorageUsed       int64     `json:"storageUsed"`
	BookCount         int       `json:"bookCount"`
	ProcessingCredits int       `json:"processingCredits"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// FormatFromKey infers the book format from an object key or filename.
func FormatFromKey(key string) BookFormat {
	dot := -1
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '.' {
			dot = i
			break
		}
		if key[i] == '/' {
			break
		}
	}
	if dot < 0 {
		return FormatUnknown
	}
	switch strings.ToLower(key[dot+1:]) {
	case "epub":
		return FormatEPUB
	case "pdf":
		return FormatPDF
	case "mobi":
		return FormatMOBI
	case "azw3", "azw":
		return FormatAZW3
	case "txt":
		return FormatTXT
	case "jpg", "jpeg", "png", "tiff":
		return FormatImage
	default:
		return FormatUnknown
	}
}

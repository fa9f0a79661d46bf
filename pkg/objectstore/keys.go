package objectstore

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Key layout. Shared assets are namespaced by content hash so
// byte-identical uploads land on the same derived keys; uploads and
// private artifacts are namespaced by user id.
const (
	PrefixBooks     = "books/"
	PrefixOCR       = "ocr/"
	PrefixConverted = "converted/"
	PrefixCovers    = "covers/"
)

// UploadKey builds a fresh single-use key for a new upload.
func UploadKey(userID uuid.UUID, filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" {
		return fmt.Sprintf("%s%s/%s", PrefixBooks, userID, uuid.New())
	}
	return fmt.Sprintf("%s%s/%s.%s", PrefixBooks, userID, uuid.New(), ext)
}

// UploadPrefix is the namespace all of a user's uploads live under.
func UploadPrefix(userID uuid.UUID) string {
	return fmt.Sprintf("%s%s/", PrefixBooks, userID)
}

// OCRResultKey is hash-addressed so duplicates reuse the same output.
func OCRResultKey(contentHash string) string {
	return fmt.Sprintf("%s%s/%s/%s.pdf", PrefixOCR, contentHash[:2], contentHash[2:4], contentHash)
}

// ConvertedKey addresses a converted artifact by content hash.
func ConvertedKey(contentHash, targetFormat string) string {
	return fmt.Sprintf("%s%s/%s/%s.%s", PrefixConverted, contentHash[:2], contentHash[2:4], contentHash, targetFormat)
}

// CoverKey is a private per-record artifact even when the source
// bytes are shared.
func CoverKey(userID, bookID uuid.UUID) string {
	return fmt.Sprintf("%s%s/%s.jpg", PrefixCovers, userID, bookID)
}

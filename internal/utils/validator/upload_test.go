package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietlake/bookvault/internal/models"
)

func TestValidateUpload(t *testing.T) {
	v := NewUploadValidator(nil)

	tests := []struct {
		name     string
		filename string
		size     int64
		title    string
		wantOK   bool
		wantCode string
		format   models.BookFormat
	}{
		{name: "valid pdf", filename: "book.pdf", size: 1024, title: "A Book", wantOK: true, format: models.FormatPDF},
		{name: "valid epub uppercase ext", filename: "BOOK.EPUB", size: 1024, wantOK: true, format: models.FormatEPUB},
		{name: "scanned image", filename: "page.jpeg", size: 1024, wantOK: true, format: models.FormatImage},
		{name: "disallowed type", filename: "setup.exe", size: 1024, wantOK: false, wantCode: "INVALID_FILE_TYPE"},
		{name: "no extension", filename: "README", size: 1024, wantOK: false, wantCode: "INVALID_FILE_TYPE"},
		{name: "zero size", filename: "book.pdf", size: 0, wantOK: false, wantCode: "INVALID_SIZE"},
		{name: "negative size", filename: "book.pdf", size: -5, wantOK: false, wantCode: "INVALID_SIZE"},
		{name: "over size cap", filename: "book.pdf", size: 600 * 1024 * 1024, wantOK: false, wantCode: "FILE_TOO_LARGE"},
		{name: "title too long", filename: "book.pdf", size: 1024, title: strings.Repeat("字", 600), wantOK: false, wantCode: "TITLE_TOO_LONG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.ValidateUpload(tt.filename, tt.size, tt.title)
			assert.Equal(t, tt.wantOK, result.IsValid)
			if tt.wantOK {
				assert.Equal(t, tt.format, result.Format)
				assert.NoError(t, result.FirstError())
				return
			}
			require.NotEmpty(t, result.Errors)
			assert.Equal(t, tt.wantCode, result.Errors[0].Code)
			assert.Error(t, result.FirstError())
		})
	}
}

func TestValidateUploadCollectsAllErrors(t *testing.T) {
	v := NewUploadValidator(nil)

	result := v.ValidateUpload("malware.bin", -1, strings.Repeat("t", 1000))
	assert.False(t, result.IsValid)
	assert.Len(t, result.Errors, 3)
}

func TestValidateContentHash(t *testing.T) {
	v := NewUploadValidator(nil)

	assert.NoError(t, v.ValidateContentHash(strings.Repeat("ab", 32)))
	assert.Error(t, v.ValidateContentHash(""))
	assert.Error(t, v.ValidateContentHash(strings.Repeat("ab", 31)))
	assert.Error(t, v.ValidateContentHash(strings.Repeat("AB", 32)), "uppercase hex is rejected")
	assert.Error(t, v.ValidateContentHash(strings.Repeat("zz", 32)))
}

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/pkg/logger"
)

func TestConvertGuards(t *testing.T) {
	e := NewLocal(logger.NewTestLogger(), nil)
	ctx := context.Background()

	_, err := e.Convert(ctx, []byte("x"), models.FormatPDF, "pdf")
	assert.Error(t, err, "same-format conversion is pointless")

	_, err = e.Convert(ctx, []byte("x"), models.FormatImage, "epub")
	assert.Error(t, err, "images go through OCR, not conversion")

	_, err = e.Convert(ctx, []byte("x"), models.FormatUnknown, "epub")
	assert.Error(t, err)
}

func TestDetectTextLayerRejectsGarbage(t *testing.T) {
	e := NewLocal(logger.NewTestLogger(), nil)

	_, err := e.DetectTextLayer(context.Background(), []byte("this is not a pdf"))
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	assert.Equal(t, []string{"eng"}, cfg.Languages)
	assert.Equal(t, 5, cfg.SamplePages)
	assert.Equal(t, 100, cfg.MinTextChars)
	assert.Equal(t, "ocrmypdf", cfg.OCRBinary)
	assert.Equal(t, "ebook-convert", cfg.ConvertBinary)
}

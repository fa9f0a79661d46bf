// Package engine runs the content transformations: text-layer
// detection, OCR and format conversion. Detection is native Go; OCR
// and conversion of full documents shell out to the external tools
// that actually do those well.
package engine

import (
	"context"

	"github.com/quietlake/bookvault/internal/models"
)

// TextLayerReport 文本层探测结论
type TextLayerReport struct {
	HasTextLayer bool    `json:"hasTextLayer"`
	Confidence   float64 `json:"confidence"`
	PagesSampled int     `json:"pagesSampled"`
	CharsFound   int     `json:"charsFound"`
}

// Engine 内容处理引擎
type Engine interface {
	DetectTextLayer(ctx context.Context, content []byte) (*TextLayerReport, error)
	OCR(ctx context.Context, content []byte, format models.BookFormat) ([]byte, error)
	Convert(ctx context.Context, content []byte, from models.BookFormat, to string) ([]byte, error)
}

// Config 引擎参数
type Config struct {
	Languages []string // OCR 语言, 默认 eng

	// 探测参数: 采样前 SamplePages 页, 纯文本字符数达到 MinTextChars
	// 判定已有文本层
	SamplePages  int
	MinTextChars int

	OCRBinary     string // 默认 ocrmypdf
	ConvertBinary string // 默认 ebook-convert
	WorkDir       string // 临时文件目录, 空则用系统默认
}

func (c *Config) withDefaults() *Config {
	out := *c
	if len(out.Languages) == 0 {
		out.Languages = []string{"eng"}
	}
	if out.SamplePages == 0 {
		out.SamplePages = 5
	}
	if out.MinTextChars == 0 {
		out.MinTextChars = 100
	}
	if out.OCRBinary == "" {
		out.OCRBinary = "ocrmypdf"
	}
	if out.ConvertBinary == "" {
		out.ConvertBinary = "ebook-convert"
	}
	return &out
}

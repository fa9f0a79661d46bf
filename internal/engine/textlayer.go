package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/quietlake/bookvault/pkg/logger"
)

// LocalEngine 本机引擎: 探测用纯 Go, OCR 和转换走外部工具
type LocalEngine struct {
	logger logger.Logger
	config *Config
}

func NewLocal(log logger.Logger, cfg *Config) *LocalEngine {
	if cfg == nil {
		cfg = &Config{}
	}
	return &LocalEngine{logger: log, config: cfg.withDefaults()}
}

// DetectTextLayer 并行采样前几页的纯文本. 扫描件的文本层是空的或者
// 只有零星噪声, 依字符数给出判定和置信度.
func (e *LocalEngine) DetectTextLayer(ctx context.Context, content []byte) (*TextLayerReport, error) {
	reader := bytes.NewReader(content)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	numPages := pdfReader.NumPage()
	if numPages == 0 {
		return &TextLayerReport{HasTextLayer: false, Confidence: 1.0}, nil
	}
	sample := e.config.SamplePages
	if sample > numPages {
		sample = numPages
	}

	var mu sync.Mutex
	totalChars := 0
	pagesWithText := 0

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := 1; i <= sample; i++ {
		pageNum := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			page := pdfReader.Page(pageNum)
			if page.V.IsNull() {
				return nil
			}
			text, err := page.GetPlainText(nil)
			if err != nil {
				// 单页解析失败按无文本处理, 不中断采样
				e.logger.Warn("Failed to extract page text",
					logger.Int("page", pageNum),
					logger.Error(err),
				)
				return nil
			}
			chars := len(strings.TrimSpace(text))
			mu.Lock()
			totalChars += chars
			if chars > 0 {
				pagesWithText++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &TextLayerReport{
		HasTextLayer: totalChars >= e.config.MinTextChars,
		Confidence:   float64(pagesWithText) / float64(sample),
		PagesSampled: sample,
		CharsFound:   totalChars,
	}
	if !report.HasTextLayer {
		report.Confidence = 1.0 - report.Confidence
	}

	e.logger.Info("Text layer detection finished",
		logger.Bool("hasTextLayer", report.HasTextLayer),
		logger.Float64("confidence", report.Confidence),
		logger.Int("charsFound", totalChars),
		logger.Int("pagesSampled", sample),
	)
	return report, nil
}

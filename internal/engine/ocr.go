package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/pkg/logger"
)

// OCR 产出可检索 PDF. 图片先过预处理和一轮快速质量评估, 重活交给
// ocrmypdf, 它对 PDF 和图片输入都能生成带文本层的 PDF.
func (e *LocalEngine) OCR(ctx context.Context, content []byte, format models.BookFormat) ([]byte, error) {
	inputExt := ".pdf"
	if format == models.FormatImage {
		processed, err := e.preprocessImage(content)
		if err != nil {
			return nil, err
		}
		content = processed
		inputExt = ".jpg"

		if quality, err := e.sampleOCRQuality(content); err != nil {
			e.logger.Warn("OCR quality sampling failed", logger.Error(err))
		} else {
			e.logger.Info("OCR quality sample",
				logger.Float64("quality", quality),
			)
		}
	}

	workDir, err := os.MkdirTemp(e.config.WorkDir, "ocr-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "input"+inputExt)
	outputPath := filepath.Join(workDir, "output.pdf")
	if err := os.WriteFile(inputPath, content, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write input file: %w", err)
	}

	args := []string{
		"--language", strings.Join(e.config.Languages, "+"),
		"--skip-text", // 已有文本的页面原样保留
		"--output-type", "pdf",
	}
	if inputExt != ".pdf" {
		args = append(args, "--image-dpi", "300")
	}
	args = append(args, inputPath, outputPath)

	cmd := exec.CommandContext(ctx, e.config.OCRBinary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", e.config.OCRBinary, err, stderr.String())
	}

	result, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read OCR output: %w", err)
	}
	e.logger.Info("OCR finished",
		logger.Int("inputBytes", len(content)),
		logger.Int("outputBytes", len(result)),
	)
	return result, nil
}

// preprocessImage 灰度加对比度增强, 扫描件上能明显提高识别率
func (e *LocalEngine) preprocessImage(content []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	processed := imaging.Grayscale(img)
	processed = imaging.AdjustContrast(processed, 20)
	processed = imaging.Sharpen(processed, 1.0)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, processed, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode preprocessed image: %w", err)
	}
	return buf.Bytes(), nil
}

// sampleOCRQuality 用 tesseract 跑一轮快速识别, 以可打印字符占比
// 粗估输入质量. 只用于日志观察, 不影响流程.
func (e *LocalEngine) sampleOCRQuality(content []byte) (float64, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(e.config.Languages...); err != nil {
		return 0, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetImageFromBytes(content); err != nil {
		return 0, fmt.Errorf("failed to load image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return 0, fmt.Errorf("failed to run OCR sample: %w", err)
	}

	if len(text) == 0 {
		return 0, nil
	}
	printable := 0
	for _, r := range text {
		if r >= 0x20 && r != 0xFFFD {
			printable++
		}
	}
	return float64(printable) / float64(len([]rune(text))), nil
}

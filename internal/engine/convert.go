package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/pkg/logger"
)

// Convert 用 calibre 的 ebook-convert 做格式转换. 工具按输出文件
// 扩展名决定目标格式.
func (e *LocalEngine) Convert(ctx context.Context, content []byte, from models.BookFormat, to string) ([]byte, error) {
	if string(from) == to {
		return nil, fmt.Errorf("conversion target %q equals source format", to)
	}
	if from == models.FormatImage || from == models.FormatUnknown {
		return nil, fmt.Errorf("format %q cannot be converted", from)
	}

	workDir, err := os.MkdirTemp(e.config.WorkDir, "convert-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "input."+string(from))
	outputPath := filepath.Join(workDir, "output."+to)
	if err := os.WriteFile(inputPath, content, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write input file: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.config.ConvertBinary, inputPath, outputPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", e.config.ConvertBinary, err, stderr.String())
	}

	result, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read converted output: %w", err)
	}
	e.logger.Info("Conversion finished",
		logger.String("from", string(from)),
		logger.String("to", to),
		logger.Int("outputBytes", len(result)),
	)
	return result, nil
}

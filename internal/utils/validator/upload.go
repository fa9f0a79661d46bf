// internal/utils/validator/upload.go
package validator

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/quietlake/bookvault/internal/models"
)

// UploadValidator 上传请求验证器. 上传走预签名直传, 这里只能验证
// 客户端声明的元数据, 字节级校验在 CompleteUpload 时做.
type UploadValidator struct {
	config *ValidatorConfig
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxFileSize  int64                           // 最大文件大小（字节）
	AllowedTypes map[string]models.BookFormat // 允许的扩展名
	MaxTitleLen  int
}

// ValidationError 验证错误
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid bool              `json:"isValid"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Format  models.BookFormat `json:"format"`
}

var sha256HexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// NewUploadValidator 创建新的上传验证器
func NewUploadValidator(config *ValidatorConfig) *UploadValidator {
	if config == nil {
		config = &ValidatorConfig{
			MaxFileSize: 500 * 1024 * 1024, // 500MB
			AllowedTypes: map[string]models.BookFormat{
				".epub": models.FormatEPUB,
				".pdf":  models.FormatPDF,
				".mobi": models.FormatMOBI,
				".azw3": models.FormatAZW3,
				".txt":  models.FormatTXT,
				".jpg":  models.FormatImage,
				".jpeg": models.FormatImage,
				".png":  models.FormatImage,
				".tiff": models.FormatImage,
			},
			MaxTitleLen: 512,
		}
	}
	return &UploadValidator{config: config}
}

// ValidateUpload 验证上传请求的声明元数据
func (v *UploadValidator) ValidateUpload(filename string, size int64, title string) *ValidationResult {
	result := &ValidationResult{IsValid: true, Format: models.FormatUnknown}

	ext := strings.ToLower(filepath.Ext(filename))
	format, ok := v.config.AllowedTypes[ext]
	if !ok {
		result.append(ValidationError{
			Code:    "INVALID_FILE_TYPE",
			Message: fmt.Sprintf("File type %q is not allowed", ext),
			Field:   "filename",
		})
	} else {
		result.Format = format
	}

	if size <= 0 {
		result.append(ValidationError{
			Code:    "INVALID_SIZE",
			Message: "Declared size must be positive",
			Field:   "size",
		})
	} else if size > v.config.MaxFileSize {
		result.append(ValidationError{
			Code:    "FILE_TOO_LARGE",
			Message: fmt.Sprintf("File size exceeds maximum limit of %d bytes", v.config.MaxFileSize),
			Field:   "size",
		})
	}

	if len(title) > v.config.MaxTitleLen {
		result.append(ValidationError{
			Code:    "TITLE_TOO_LONG",
			Message: fmt.Sprintf("Title exceeds %d characters", v.config.MaxTitleLen),
			Field:   "title",
		})
	}

	return result
}

// ValidateContentHash 校验客户端声明的 sha256 hex
func (v *UploadValidator) ValidateContentHash(hash string) error {
	if !sha256HexPattern.MatchString(hash) {
		return ValidationError{
			Code:    "INVALID_CONTENT_HASH",
			Message: "Content hash must be 64 lowercase hex characters",
			Field:   "contentHash",
		}
	}
	return nil
}

func (r *ValidationResult) append(err ValidationError) {
	r.IsValid = false
	r.Errors = append(r.Errors, err)
}

// FirstError 返回第一个验证错误, 方便调用方直接透出
func (r *ValidationResult) FirstError() error {
	if r.IsValid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

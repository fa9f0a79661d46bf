package config

import "sync"

var (
	quotaOnce   sync.Once
	quotaConfig *QuotaConfig
)

// QuotaConfig 各层级用户的配额上限
type QuotaConfig struct {
	FreeStorageBytes int64
	PaidStorageBytes int64
	FreeBookLimit    int
	PaidBookLimit    int
	DefaultCredits   int
	MaxUploadBytes   int64
}

func GetQuotaConfig() *QuotaConfig {
	quotaOnce.Do(func() {
		loadEnv()

		quotaConfig = &QuotaConfig{
			FreeStorageBytes: getEnvInt64("QUOTA_FREE_STORAGE_BYTES", 1<<30),      // 1 GiB
			PaidStorageBytes: getEnvInt64("QUOTA_PAID_STORAGE_BYTES", 50<<30),     // 50 GiB
			FreeBookLimit:    getEnvInt("QUOTA_FREE_BOOK_LIMIT", 100),
			PaidBookLimit:    getEnvInt("QUOTA_PAID_BOOK_LIMIT", 5000),
			DefaultCredits:   getEnvInt("QUOTA_DEFAULT_CREDITS", 20),
			MaxUploadBytes:   getEnvInt64("QUOTA_MAX_UPLOAD_BYTES", 500<<20),      // 500 MiB
		}
	})
	return quotaConfig
}

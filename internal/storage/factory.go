package storage

import (
	"fmt"
	"strings"

	"github.com/timmy/mediamatch/internal/config"
)

// NewStorage creates an ObjectStorage instance based on the configuration.
// Parameters:
//   - cfg: blob configuration selecting the backend and its credentials.
// Returns:
//   - ObjectStorage: initialized storage client implementation.
//   - error: non-nil if the storage client cannot be created.
func NewStorage(cfg *config.BlobConfig) (ObjectStorage, error) {
	kind := StorageType(strings.ToLower(cfg.Type))
	if kind == "" {
		kind = detectStorageType(cfg.Endpoint)
	}

	switch kind {
	case StorageTypeLocal:
		return NewLocalStorage(cfg.Dir)
	case StorageTypeMemory:
		return NewMemoryStorage(), nil
	case StorageTypeMinIO:
		return NewMinIOStorage(&MinIOConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
		})
	case StorageTypeS3, StorageTypeR2, StorageTypeS3Compatible:
		return NewS3Storage(&S3Config{
			Type:           kind,
			Endpoint:       cfg.Endpoint,
			AccessKey:      cfg.AccessKey,
			SecretKey:      cfg.SecretKey,
			UseSSL:         cfg.UseSSL,
			Bucket:         cfg.Bucket,
			Region:         cfg.Region,
			ForcePathStyle: cfg.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported blob storage type %q", cfg.Type)
	}
}

// detectStorageType attempts to detect the storage type from the endpoint
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case endpoint == "":
		return StorageTypeLocal
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}

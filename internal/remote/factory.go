package remote

import (
	"context"
	"fmt"

	"medsync/internal/config"
	"medsync/internal/mirror"
)

// NewRemoteFromConfig creates a Remote implementation based on the remote config type.
// token authenticates HTTP remotes and is ignored by S3.
func NewRemoteFromConfig(ctx context.Context, cfg config.RemoteConfig, token string, logger mirror.Logger) (mirror.Remote, error) {
	switch cfg.Type {
	case "http", "":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("base_url required for http remote")
		}
		return NewHTTPRemote(HTTPOptions{
			Name:     cfg.Name,
			BaseURL:  cfg.BaseURL,
			Token:    token,
			PageSize: cfg.PageSize,
			Logger:   logger,
		})
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3_bucket required for s3 remote")
		}
		client, err := NewS3Client(ctx, S3ClientOptions{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return NewS3Remote(client, S3Options{
			Name:       cfg.Name,
			Bucket:     cfg.S3Bucket,
			Prefix:     cfg.S3Prefix,
			CommitsKey: cfg.S3CommitsKey,
		})
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}

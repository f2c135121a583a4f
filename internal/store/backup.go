package store

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// BackupConfig describes the S3-compatible bucket the Results Store archives
// itself to. The teacher's r2_backup_service.go targets Cloudflare R2
// through the S3 API; this engine generalizes that to any S3-compatible
// endpoint by accepting an explicit EndpointURL.
type BackupConfig struct {
	Enabled     bool
	EndpointURL string
	Region      string
	Bucket      string
	AccessKeyID string
	SecretKey   string
}

// BackupClient archives the Results Store's sqlite file as a gzip-compressed
// tarball and uploads it to S3-compatible storage. The teacher's
// r2_backup_service.go file was not present in the retrieved reference
// pack, only its call sites; this implementation follows the public
// aws-sdk-go-v2 upload idiom and the tar/gzip/checksum shape those call
// sites imply (see DESIGN.md).
type BackupClient struct {
	cfg    BackupConfig
	client *s3.Client
	log    zerolog.Logger
}

// NewBackupClient builds an S3 client against cfg's endpoint using static
// credentials, matching the teacher's pattern of pinning the resolver to an
// explicit endpoint for non-AWS S3-compatible providers.
func NewBackupClient(ctx context.Context, cfg BackupConfig, log zerolog.Logger) (*BackupClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config for backup client: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
		o.UsePathStyle = true
	})

	return &BackupClient{cfg: cfg, client: client, log: log.With().Str("component", "results_backup").Logger()}, nil
}

// Archive tars and gzips dbPath into a single-entry archive under dest,
// returning the archive's sha256 checksum alongside any error.
func Archive(dbPath string, dest string) (checksum string, err error) {
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer out.Close()

	hasher := sha256.New()
	multi := io.MultiWriter(out, hasher)

	gz := gzip.NewWriter(multi)
	tw := tar.NewWriter(gz)

	info, err := os.Stat(dbPath)
	if err != nil {
		return "", fmt.Errorf("stat db file: %w", err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return "", fmt.Errorf("build tar header: %w", err)
	}
	hdr.Name = filepath.Base(dbPath)
	if err := tw.WriteHeader(hdr); err != nil {
		return "", fmt.Errorf("write tar header: %w", err)
	}

	src, err := os.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("open db file: %w", err)
	}
	defer src.Close()

	if _, err := io.Copy(tw, src); err != nil {
		return "", fmt.Errorf("copy db into archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("close gzip writer: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Upload archives dbPath and uploads it to the configured bucket under a
// timestamped key, returning that key. nowSuffix lets callers (and tests)
// control the key deterministically since this package may not call
// time.Now() from within a workflow-style context.
func (b *BackupClient) Upload(ctx context.Context, dbPath string, nowSuffix string) (string, error) {
	tmpArchive, err := os.CreateTemp("", "results-backup-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmpArchive.Name()
	tmpArchive.Close()
	defer os.Remove(tmpPath)

	checksum, err := Archive(dbPath, tmpPath)
	if err != nil {
		return "", fmt.Errorf("archive results store: %w", err)
	}

	key := fmt.Sprintf("results-backups/%s-%s.tar.gz", nowSuffix, checksum[:12])

	f, err := os.Open(tmpPath)
	if err != nil {
		return "", fmt.Errorf("reopen archive: %w", err)
	}
	defer f.Close()

	uploader := manager.NewUploader(b.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
		Metadata: map[string]string{
			"sha256": checksum,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload backup: %w", err)
	}

	b.log.Info().Str("key", key).Str("sha256", checksum).Msg("results store backup uploaded")
	return key, nil
}

// NowSuffix formats t for use as a backup key suffix, kept separate from
// Upload so callers supply the clock.
func NowSuffix(t time.Time) string {
	return t.UTC().Format("20060102-150405")
}

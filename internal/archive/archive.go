// Package archive keeps a copy of every finished payroll run as a JSON document,
// either on local disk or in an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"payroll-batch-processor/internal/config"
	"payroll-batch-processor/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Document is the archived form of a finished run.
type Document struct {
	Request    models.PayrollRunRequest `json:"request"`
	Status     models.JobStatusRecord   `json:"status"`
	ArchivedAt time.Time                `json:"archived_at"`
}

// Archiver writes finished runs to the configured destination.
type Archiver struct {
	up uploader
}

// New picks S3 when a bucket is configured, else a local directory. It returns
// nil when neither is set; a nil *Archiver is valid and archives nothing.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{up: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}}, nil
	}
	if cfg.ArchiveDir != "" {
		return NewLocal(cfg.ArchiveDir), nil
	}
	return nil, nil
}

// NewLocal archives under dir.
func NewLocal(dir string) *Archiver {
	return &Archiver{up: &localUploader{baseDir: dir}}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Key is the object key of a run: runs/<tenant>/<year>-<month>/<job id>.json.
func Key(req models.PayrollRunRequest, jobID string) string {
	return sanitizeKey(fmt.Sprintf("runs/%s/%d-%s/%s.json", req.TenantID, req.Year, strings.ToLower(req.Month), jobID))
}

// Archive stores a terminal record and returns its location.
func (a *Archiver) Archive(ctx context.Context, req models.PayrollRunRequest, rec models.JobStatusRecord) (string, error) {
	if a == nil || a.up == nil {
		return "", nil
	}
	body, err := json.MarshalIndent(Document{Request: req, Status: rec, ArchivedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal archive document: %w", err)
	}
	loc, err := a.up.Upload(ctx, Key(req, rec.JobID), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("archive run %s: %w", rec.JobID, err)
	}
	return loc, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

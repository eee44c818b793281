// Package archive writes a task's history ledger to durable storage before
// the task is deleted.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"task-lifecycle/internal/config"
	"task-lifecycle/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Document is the archived form of a deleted task.
type Document struct {
	Task       models.Task           `json:"task"`
	History    []models.HistoryEntry `json:"history"`
	ArchivedAt time.Time             `json:"archived_at"`
}

// Archiver serializes a task and its ledger and hands it to an uploader.
type Archiver struct {
	up  uploader
	now func() time.Time
}

// New picks S3 when a bucket is configured, a local directory when
// ArchiveDir is set, and returns nil when neither is.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	switch {
	case cfg.ArchiveS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{up: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}, now: time.Now}, nil
	case cfg.ArchiveDir != "":
		return NewLocal(cfg.ArchiveDir), nil
	}
	return nil, nil
}

// NewLocal archives into files under baseDir.
func NewLocal(baseDir string) *Archiver {
	return &Archiver{up: &localUploader{baseDir: baseDir}, now: time.Now}
}

// ArchiveHistory stores the document and returns where it was written.
func (a *Archiver) ArchiveHistory(ctx context.Context, task models.Task, entries []models.HistoryEntry) (string, error) {
	at := a.now().UTC()
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	body, err := json.MarshalIndent(Document{Task: task, History: entries, ArchivedAt: at}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}
	return a.up.Upload(ctx, Key(task.ID, at), body, "application/json")
}

// Key is the object key used for a task archived at at.
func Key(taskID int64, at time.Time) string {
	return fmt.Sprintf("tasks/%d/history-%d.json", taskID, at.Unix())
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

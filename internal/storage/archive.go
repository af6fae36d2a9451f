// Package storage archives raw scraper payloads on S3-compatible object
// storage. The archive is off the critical path: ingest never waits on it,
// and a failed archive write degrades to a log line.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Default timeouts for object storage operations.
const (
	DefaultMetadataTimeout = 10 * time.Second // list, stat, delete
	DefaultDataTimeout     = 60 * time.Second // get, put
)

// Config holds connection and timeout settings for the archive.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// MetadataTimeout bounds list/stat/delete calls. Zero means the default.
	MetadataTimeout time.Duration

	// DataTimeout bounds get/put calls. Zero means the default.
	DataTimeout time.Duration
}

// Archive stores raw payloads under raw/<scraper>/<run>/<n>.json.
type Archive struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

// ObjectInfo describes one archived payload.
type ObjectInfo struct {
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// New connects to the endpoint and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	// Explicit dial and TLS timeouts; ResponseHeaderTimeout bounds the wait
	// for the server to start replying, not the full transfer.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	a := &Archive{
		client:          client,
		bucket:          cfg.Bucket,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
	}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.metadataTimeout)
	defer cancel()

	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", a.bucket, err)
		}
	}
	return nil
}

// payloadKey builds the canonical object key for one payload of a run.
func payloadKey(scraperID string, runID uuid.UUID, n int) string {
	return fmt.Sprintf("raw/%s/%s/%d.json", scraperID, runID, n)
}

// runPrefix is the key prefix holding all payloads of one run.
func runPrefix(scraperID string, runID uuid.UUID) string {
	return fmt.Sprintf("raw/%s/%s/", scraperID, runID)
}

// PutPayload archives payload n of a run.
func (a *Archive) PutPayload(ctx context.Context, scraperID string, runID uuid.UUID, n int, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.dataTimeout)
	defer cancel()

	key := payloadKey(scraperID, runID, n)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put payload %s: %w", key, err)
	}
	return nil
}

// ReadPayload returns one archived payload, or nil when absent.
func (a *Archive) ReadPayload(ctx context.Context, scraperID string, runID uuid.UUID, n int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.dataTimeout)
	defer cancel()

	key := payloadKey(scraperID, runID, n)
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get payload %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("read payload %s: %w", key, err)
	}
	return data, nil
}

// ListRun returns the archived payloads of one run.
func (a *Archive) ListRun(ctx context.Context, scraperID string, runID uuid.UUID) ([]ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, a.metadataTimeout)
	defer cancel()

	out := make([]ObjectInfo, 0)
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    runPrefix(scraperID, runID),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list run payloads: %w", obj.Err)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, Modified: obj.LastModified})
	}
	return out, nil
}

// PruneOlderThan removes archived payloads last modified before the cutoff
// and returns the count removed. Deletes are idempotent.
func (a *Archive) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	listCtx, cancel := context.WithTimeout(ctx, a.dataTimeout)
	defer cancel()

	removed := 0
	for obj := range a.client.ListObjects(listCtx, a.bucket, minio.ListObjectsOptions{
		Prefix:    "raw/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("list archive: %w", obj.Err)
		}
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := a.client.RemoveObject(ctx, a.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("remove %s: %w", obj.Key, err)
		}
		removed++
	}
	return removed, nil
}

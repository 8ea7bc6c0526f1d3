// Package archive keeps the raw request and response bytes of every
// authority submission in S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

const contentTypeXML = "text/xml; charset=utf-8"

// Payload is one exchange with the authority.
type Payload struct {
	SubmissionID uuid.UUID
	RecordID     uuid.UUID
	NIF          string
	Request      []byte
	Response     []byte
	SubmittedAt  time.Time
}

// Key is the object prefix shared by the request and response objects.
func (p Payload) Key() string {
	return path.Join("submissions", p.NIF, p.SubmittedAt.UTC().Format("2006/01/02"), p.RecordID.String(), p.SubmissionID.String())
}

type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioArchive writes payloads to one bucket.
type MinioArchive struct {
	client objectPutter
	bucket string
}

func NewMinio(client *minio.Client, bucket string) (*MinioArchive, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	return &MinioArchive{client: client, bucket: bucket}, nil
}

// Put stores request.xml and, when present, response.xml under p.Key().
func (a *MinioArchive) Put(ctx context.Context, p Payload) (string, error) {
	key := p.Key()
	if err := a.put(ctx, path.Join(key, "request.xml"), p.Request, p); err != nil {
		return "", err
	}
	if len(p.Response) > 0 {
		if err := a.put(ctx, path.Join(key, "response.xml"), p.Response, p); err != nil {
			return "", err
		}
	}
	return key, nil
}

func (a *MinioArchive) put(ctx context.Context, object string, body []byte, p Payload) error {
	opts := minio.PutObjectOptions{
		ContentType: contentTypeXML,
		UserMetadata: map[string]string{
			"record-id":     p.RecordID.String(),
			"submission-id": p.SubmissionID.String(),
			"nif":           p.NIF,
		},
	}
	if _, err := a.client.PutObject(ctx, a.bucket, object, bytes.NewReader(body), int64(len(body)), opts); err != nil {
		return fmt.Errorf("archive %s: %w", object, err)
	}
	return nil
}

// InMemory is an Archive for tests and single-process runs.
type InMemory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewInMemory() *InMemory {
	return &InMemory{objects: make(map[string][]byte)}
}

func (a *InMemory) Put(_ context.Context, p Payload) (string, error) {
	key := p.Key()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[path.Join(key, "request.xml")] = bytes.Clone(p.Request)
	if len(p.Response) > 0 {
		a.objects[path.Join(key, "response.xml")] = bytes.Clone(p.Response)
	}
	return key, nil
}

// Object returns a stored object by full name.
func (a *InMemory) Object(name string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.objects[name]
	return bytes.Clone(b), ok
}

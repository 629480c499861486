// Package gcs delivers files to a Google Cloud Storage bucket.
//
// Settings:
//
//	bucket           destination bucket (required)
//	credentialsFile  service account key file (optional; defaults to
//	                 application default credentials)
//	urlPrefix        public URL prefix (optional; defaults to
//	                 https://storage.googleapis.com/<bucket>)
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/steveyegge/conveyor/internal/transporter"
)

// Name is the registered backend name.
const Name = "gcs"

func init() {
	transporter.Register(Name, func(settings map[string]string) (transporter.Transporter, error) {
		return New(context.Background(), settings)
	})
}

// objectStore is the subset of the storage client the transporter uses.
type objectStore interface {
	Upload(ctx context.Context, bucket, object string, r io.Reader) error
	Delete(ctx context.Context, bucket, object string) error
	Close() error
}

// GCS is a Transporter backed by a Cloud Storage bucket.
type GCS struct {
	store     objectStore
	bucket    string
	urlPrefix string
}

// New creates a GCS transporter with a real storage client.
func New(ctx context.Context, settings map[string]string) (*GCS, error) {
	if err := transporter.Require(settings, "bucket"); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if f := settings["credentialsFile"]; f != "" {
		opts = append(opts, option.WithCredentialsFile(f))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return newWithStore(&clientStore{client: client}, settings), nil
}

func newWithStore(store objectStore, settings map[string]string) *GCS {
	bucket := settings["bucket"]
	prefix := strings.TrimSuffix(settings["urlPrefix"], "/")
	if prefix == "" {
		prefix = "https://storage.googleapis.com/" + bucket
	}
	return &GCS{store: store, bucket: bucket, urlPrefix: prefix}
}

// Sync uploads src to, or deletes, the object named by dst.
func (g *GCS) Sync(ctx context.Context, src, dst string, action transporter.Action) (string, error) {
	object := objectName(dst)

	switch action {
	case transporter.Delete:
		err := g.store.Delete(ctx, g.bucket, object)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return "", fmt.Errorf("failed to delete gs://%s/%s: %w", g.bucket, object, err)
		}
		return "", nil

	case transporter.AddModify:
		f, err := os.Open(src)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", src, err)
		}
		defer f.Close()

		if err := g.store.Upload(ctx, g.bucket, object, f); err != nil {
			return "", fmt.Errorf("failed to upload gs://%s/%s: %w", g.bucket, object, err)
		}
		return g.urlPrefix + "/" + object, nil

	default:
		return "", fmt.Errorf("unsupported action %s", action)
	}
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.store.Close()
}

func objectName(dst string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(dst)), "/")
}

type clientStore struct {
	client *storage.Client
}

func (c *clientStore) Upload(ctx context.Context, bucket, object string, r io.Reader) error {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (c *clientStore) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *clientStore) Close() error {
	return c.client.Close()
}

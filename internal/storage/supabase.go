// Package storage uploads interview recording segments to Supabase storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/supabase-community/supabase-go"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Recordings stores per-question video segments under a public bucket.
type Recordings struct {
	client  *supabase.Client
	baseURL string
	bucket  string
}

func New(cfg Config) (*Recordings, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: supabase client: %w", err)
	}
	return &Recordings{
		client:  client,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		bucket:  cfg.Bucket,
	}, nil
}

// UploadRecording stores one segment and returns its public URL.
func (r *Recordings) UploadRecording(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := r.client.Storage.UploadFile(r.bucket, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", name, err)
	}
	return r.PublicURL(name), nil
}

// PublicURL builds the public object URL for a stored segment.
func (r *Recordings) PublicURL(name string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", r.baseURL, r.bucket, name)
}

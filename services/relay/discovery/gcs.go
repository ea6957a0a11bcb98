// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrInvalidObjectURI is returned for a malformed gs:// URI.
var ErrInvalidObjectURI = errors.New("invalid gs:// object uri")

// ErrObjectTooLarge is returned when an object exceeds the import limit.
var ErrObjectTooLarge = errors.New("object exceeds import size limit")

// ObjectInfo describes an opened object.
type ObjectInfo struct {
	Name        string
	ContentType string
	Size        int64
}

// ObjectOpener reads objects from a bucket store.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, ObjectInfo, error)
}

// GCSOpener opens Cloud Storage objects.
type GCSOpener struct {
	client *storage.Client
}

// NewGCSOpener creates a Cloud Storage client. With keyFile empty,
// Application Default Credentials are used.
func NewGCSOpener(ctx context.Context, keyFile string) (*GCSOpener, error) {
	var opts []option.ClientOption
	if keyFile != "" {
		opts = append(opts, option.WithCredentialsFile(keyFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSOpener{client: client}, nil
}

// Open returns a reader over the object.
func (g *GCSOpener) Open(ctx context.Context, bucket, object string) (io.ReadCloser, ObjectInfo, error) {
	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("open gs://%s/%s: %w", bucket, object, err)
	}
	return r, ObjectInfo{
		Name:        path.Base(object),
		ContentType: r.Attrs.ContentType,
		Size:        r.Attrs.Size,
	}, nil
}

// Close releases the storage client.
func (g *GCSOpener) Close() error {
	return g.client.Close()
}

// ParseObjectURI splits gs://bucket/object.
func ParseObjectURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidObjectURI, uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" || strings.HasSuffix(object, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidObjectURI, uri)
	}
	return bucket, object, nil
}

// ImportObjectSource copies a Cloud Storage object into a notebook as an
// uploaded file source.
//
// # Description
//
// The object is streamed from the bucket into the upload call without
// buffering. Objects larger than maxBytes are rejected before upload.
//
// # Inputs
//
//   - opener: Object store. Usually a *GCSOpener.
//   - uri: gs://bucket/object.
//   - maxBytes: Size limit. <= 0 disables the limit.
func (c *Client) ImportObjectSource(ctx context.Context, t Target, id string, opener ObjectOpener, uri string, maxBytes int64) (json.RawMessage, error) {
	bucket, object, err := ParseObjectURI(uri)
	if err != nil {
		return nil, err
	}
	if err := checkID(t, id); err != nil {
		return nil, err
	}

	r, info, err := opener.Open(ctx, bucket, object)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if maxBytes > 0 && info.Size > maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrObjectTooLarge, info.Size, maxBytes)
	}

	c.logger.Info("importing object into notebook",
		"bucket", bucket,
		"object", object,
		"size", info.Size,
		"notebook", id,
	)
	return c.UploadSource(ctx, t, id, r, info.Name, info.ContentType)
}

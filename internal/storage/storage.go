package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectStore is the read side of a bucket. Datasets are only ever fetched.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// URI is a parsed s3://bucket/key location.
type URI struct {
	Bucket string
	Key    string
}

func (u URI) String() string {
	if u.Key == "" {
		return "s3://" + u.Bucket
	}
	return "s3://" + u.Bucket + "/" + u.Key
}

// IsPrefix reports whether the URI names a "directory" rather than one object.
func (u URI) IsPrefix() bool {
	return u.Key == "" || strings.HasSuffix(u.Key, "/")
}

func IsURI(raw string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "s3://")
}

func ParseURI(raw string) (URI, error) {
	raw = strings.TrimSpace(raw)
	if !IsURI(raw) {
		return URI{}, fmt.Errorf("not an s3 uri: %q", raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("parse s3 uri: %w", err)
	}
	bucket := strings.TrimSpace(parsed.Host)
	if bucket == "" {
		return URI{}, fmt.Errorf("s3 uri %q has no bucket", raw)
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	if key != "" {
		trailing := strings.HasSuffix(key, "/")
		cleaned := path.Clean(key)
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			return URI{}, fmt.Errorf("invalid s3 key in %q", raw)
		}
		if cleaned == "." {
			cleaned = ""
		} else if trailing {
			cleaned += "/"
		}
		key = cleaned
	}
	return URI{Bucket: bucket, Key: key}, nil
}

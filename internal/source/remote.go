package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/duckask/duckask/internal/storage"
)

// fetchObjects downloads one object, or every supported object under a
// prefix, into workDir and returns the local paths in key order.
func (l *Loader) fetchObjects(ctx context.Context, location, workDir string) ([]string, error) {
	uri, err := storage.ParseURI(location)
	if err != nil {
		return nil, &LoadError{Location: location, Reason: "parse uri", Err: err}
	}
	if l.opts.ObjectStores == nil {
		return nil, &LoadError{Location: location, Reason: "object storage is not configured"}
	}
	store, err := l.opts.ObjectStores(uri.Bucket)
	if err != nil {
		return nil, &LoadError{Location: location, Reason: "open bucket", Err: err}
	}

	var keys []string
	if uri.IsPrefix() {
		objects, err := store.List(ctx, uri.Key)
		if err != nil {
			return nil, &LoadError{Location: location, Reason: "list objects", Err: err}
		}
		for _, object := range objects {
			if Supported(object.Key) {
				keys = append(keys, object.Key)
			}
		}
		if len(keys) == 0 {
			return nil, &LoadError{Location: location, Reason: "prefix has no supported objects"}
		}
	} else {
		if !Supported(uri.Key) {
			return nil, &LoadError{Location: location, Reason: fmt.Sprintf("unsupported file type %q", path.Ext(uri.Key))}
		}
		if _, err := store.Stat(ctx, uri.Key); err != nil {
			return nil, &LoadError{Location: location, Reason: "stat object", Err: err}
		}
		keys = []string{uri.Key}
	}

	paths := make([]string, len(keys))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(l.opts.Downloads)
	for i, key := range keys {
		// one directory per object keeps equal base names apart
		dst := filepath.Join(workDir, "objects", strconv.Itoa(i), path.Base(key))
		paths[i] = dst
		group.Go(func() error {
			if err := download(groupCtx, store, key, dst); err != nil {
				return &LoadError{Location: uri.String(), Reason: "download " + key, Err: err}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func download(ctx context.Context, store storage.ObjectStore, key, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	body, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Package artifacts makes sure the model directory holds a complete checkpoint, downloading it
// from an object store when configured to.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/career-advice/internal/metrics"
)

const (
	SourceLocal  = "local"
	SourceRemote = "remote"

	downloadWorkers = 4
)

// Config selects where model files come from.
type Config struct {
	Source string   `mapstructure:"source"`
	S3     S3Config `mapstructure:"s3"`
}

// ObjectStore lists and reads the objects holding model files.
type ObjectStore interface {
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Fetcher prepares the model directory before the runtime loads it.
type Fetcher struct {
	cfg    Config
	store  ObjectStore
	logger *zap.Logger
}

func NewFetcher(cfg Config, store ObjectStore, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, store: store, logger: logger}
}

// Missing lists the checkpoint files absent from dir. Weights count as present when either
// the single file or the shard index exists.
func Missing(dir string) []string {
	var missing []string
	for _, name := range []string{"config.json", "tokenizer.json"} {
		if !exists(filepath.Join(dir, name)) {
			missing = append(missing, name)
		}
	}
	if !exists(filepath.Join(dir, "model.safetensors")) && !exists(filepath.Join(dir, "model.safetensors.index.json")) {
		missing = append(missing, "model.safetensors")
	}
	return missing
}

func exists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// Ensure returns nil when dir holds a checkpoint. Otherwise a remote source downloads every
// object under the configured prefix into dir; a local source reports the missing files.
func (f *Fetcher) Ensure(ctx context.Context, dir string) error {
	missing := Missing(dir)
	if len(missing) == 0 {
		f.logger.Debug("model artifacts present", zap.String("dir", dir))
		return nil
	}

	source := strings.ToLower(strings.TrimSpace(f.cfg.Source))
	switch source {
	case "", SourceLocal:
		return fmt.Errorf("model directory %s is missing %s", dir, strings.Join(missing, ", "))
	case SourceRemote:
	default:
		return fmt.Errorf("unknown artifact source %q", f.cfg.Source)
	}

	if f.store == nil {
		return errors.New("remote artifact source configured without an object store")
	}
	if f.cfg.S3.Bucket == "" {
		return errors.New("artifacts.s3.bucket is required for the remote source")
	}

	f.logger.Info("downloading model artifacts",
		zap.String("dir", dir),
		zap.String("bucket", f.cfg.S3.Bucket),
		zap.String("prefix", f.cfg.S3.Prefix),
		zap.Strings("missing", missing),
	)

	n, err := f.download(ctx, dir)
	if err != nil {
		return err
	}

	if missing := Missing(dir); len(missing) > 0 {
		return fmt.Errorf("downloaded %d objects but %s still lacks %s", n, dir, strings.Join(missing, ", "))
	}

	f.logger.Info("model artifacts downloaded", zap.Int("objects", n))
	return nil
}

func (f *Fetcher) download(ctx context.Context, dir string) (int, error) {
	bucket, prefix := f.cfg.S3.Bucket, keyPrefix(f.cfg.S3.Prefix)

	keys, err := f.store.List(ctx, bucket, prefix)
	if err != nil {
		return 0, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
	}

	type object struct{ key, dest string }
	var objects []object
	for _, key := range keys {
		rel, ok := relativePath(prefix, key)
		if !ok {
			continue
		}
		objects = append(objects, object{key: key, dest: filepath.Join(dir, filepath.FromSlash(rel))})
	}
	if len(objects) == 0 {
		return 0, fmt.Errorf("no objects under s3://%s/%s", bucket, prefix)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create model directory: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadWorkers)
	for _, obj := range objects {
		g.Go(func() error {
			written, err := f.fetch(gctx, bucket, obj.key, obj.dest)
			if err != nil {
				return fmt.Errorf("download %s: %w", obj.key, err)
			}
			metrics.ArtifactBytes.Add(float64(written))
			f.logger.Debug("artifact downloaded", zap.String("key", obj.key), zap.Int64("bytes", written))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	return len(objects), nil
}

// keyPrefix treats the configured prefix as a directory so "career" does not match
// "career_v2/...".
func keyPrefix(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}

// relativePath maps an object key to a path below the model directory. Directory markers,
// keys outside the prefix and keys escaping the directory are skipped.
func relativePath(prefix, key string) (string, bool) {
	prefix = keyPrefix(prefix)
	if strings.HasSuffix(key, "/") || !strings.HasPrefix(key, prefix) {
		return "", false
	}

	rel := path.Clean(strings.TrimPrefix(key, prefix))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return "", false
	}
	return rel, true
}

// fetch writes one object next to its destination and renames it into place.
func (f *Fetcher) fetch(ctx context.Context, bucket, key, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}

	body, err := f.store.Open(ctx, bucket, key)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, err
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, err
	}
	return written, nil
}

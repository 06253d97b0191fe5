// Package artifact 保存插件提交的制品，并以 SHA-256 校验其完整性。
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	xerrors "ExtensionHub/internal/errors"
)

// Driver 标识存储后端。
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverMemory     Driver = "memory"
	DriverS3         Driver = "s3"
)

// Info 描述一个已保存的制品。
type Info struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	ContentType string    `json:"content_type,omitempty"`
	StoredAt    time.Time `json:"stored_at"`
}

// Store 是制品存储的最小抽象。Put 覆盖同名制品。
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Info, error)
	Open(ctx context.Context, key string) (io.ReadCloser, Info, error)
	Delete(ctx context.Context, key string) error
	Driver() Driver
}

// Config 选择并配置存储后端。
type Config struct {
	Driver    Driver   `yaml:"driver"`
	Dir       string   `yaml:"dir"`
	MaxSizeMB int64    `yaml:"max_size_mb"`
	S3        S3Config `yaml:"s3"`
}

// Open 按配置构造存储，MaxSizeMB 大于零时限制单个制品大小。
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case "", DriverFilesystem:
		store, err = NewFilesystem(cfg.Dir)
	case DriverMemory:
		store = NewMemory()
	case DriverS3:
		store, err = NewS3(ctx, cfg.S3)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown artifact driver %q", cfg.Driver))
	}
	if err != nil {
		return nil, err
	}
	if cfg.MaxSizeMB > 0 {
		store = Limit(store, cfg.MaxSizeMB<<20)
	}
	return store, nil
}

func notFound(key string) error {
	return xerrors.New(xerrors.CodeNotFound, "artifact "+key+" not found", xerrors.WithMetadata("artifact", key))
}

// Checksum 计算 r 的 SHA-256 与长度。
func Checksum(r io.Reader) (string, int64, error) {
	return hashCopy(io.Discard, r)
}

func hashCopy(dst io.Writer, r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Verify 重新读取制品并比较校验和，不一致时返回 ArtifactIntegrity。
func Verify(ctx context.Context, store Store, key, want string) error {
	rc, _, err := store.Open(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	got, _, err := Checksum(rc)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "read artifact "+key)
	}
	if !strings.EqualFold(got, want) {
		return xerrors.New(xerrors.CodeArtifactIntegrity, "checksum mismatch for artifact "+key,
			xerrors.WithMetadata("artifact", key),
			xerrors.WithMetadata("expected", want),
			xerrors.WithMetadata("actual", got))
	}
	return nil
}

// CleanKey 校验制品键，禁止绝对路径与目录穿越。
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	if key == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "artifact key cannot be empty")
	}
	if strings.HasPrefix(key, "/") {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "artifact key must be relative: "+key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "artifact key escapes root: "+key)
		}
	}
	return path.Clean(key), nil
}

type limitedStore struct {
	Store
	max int64
}

// Limit 包装 store，拒绝超过 maxBytes 的制品。
func Limit(store Store, maxBytes int64) Store {
	return &limitedStore{Store: store, max: maxBytes}
}

// Unwrap 返回被 Limit 包装的底层存储，未包装时原样返回。
func Unwrap(store Store) Store {
	if l, ok := store.(*limitedStore); ok {
		return l.Store
	}
	return store
}

func (s *limitedStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (Info, error) {
	lr := &limitReader{r: r, remaining: s.max}
	info, err := s.Store.Put(ctx, key, lr, contentType)
	if lr.exceeded {
		if info.Key != "" {
			_ = s.Store.Delete(ctx, key)
		}
		return Info{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("artifact exceeds %d bytes", s.max), xerrors.WithMetadata("artifact", key))
	}
	return info, err
}

type limitReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		l.exceeded = true
		return 0, io.ErrUnexpectedEOF
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		l.exceeded = true
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

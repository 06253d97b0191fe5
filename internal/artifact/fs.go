package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	xerrors "ExtensionHub/internal/errors"
)

// FilesystemStore 将制品保存为本地文件，校验和等信息写在同名 .meta 文件中。
type FilesystemStore struct {
	root string
}

// NewFilesystem 创建以 root 为根目录的存储，目录不存在时自动创建。
func NewFilesystem(root string) (*FilesystemStore, error) {
	if root == "" {
		root = "data/artifacts"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create artifact dir")
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) Driver() Driver { return DriverFilesystem }

func (s *FilesystemStore) paths(key string) (string, string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", "", err
	}
	data := filepath.Join(s.root, filepath.FromSlash(clean))
	return data, data + ".meta", nil
}

// LocalPath 返回制品数据文件在本地磁盘上的路径，用于加载 .so 插件。
func (s *FilesystemStore) LocalPath(key string) (string, error) {
	data, _, err := s.paths(key)
	return data, err
}

// Put 先写入临时文件再原子替换。
func (s *FilesystemStore) Put(_ context.Context, key string, r io.Reader, contentType string) (Info, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return Info{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create artifact dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".tmp-*")
	if err != nil {
		return Info{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create temp artifact")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	sum, size, err := hashCopy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Info{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "write artifact "+key)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return Info{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "store artifact "+key)
	}
	info := Info{Key: key, Size: size, Checksum: sum, ContentType: contentType, StoredAt: time.Now().UTC()}
	raw, _ := json.Marshal(info)
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return Info{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "write artifact metadata")
	}
	return info, nil
}

// Open 打开制品文件。
func (s *FilesystemStore) Open(_ context.Context, key string) (io.ReadCloser, Info, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return nil, Info{}, err
	}
	raw, err := os.ReadFile(metaPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Info{}, notFound(key)
	}
	if err != nil {
		return nil, Info{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read artifact metadata")
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, Info{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode artifact metadata")
	}
	f, err := os.Open(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Info{}, notFound(key)
	}
	if err != nil {
		return nil, Info{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open artifact "+key)
	}
	return f, info, nil
}

// Delete 删除制品，不存在时不报错。
func (s *FilesystemStore) Delete(_ context.Context, key string) error {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return err
	}
	for _, p := range []string{dataPath, metaPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete artifact "+key)
		}
	}
	return nil
}

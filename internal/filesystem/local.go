package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/afero"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

// DefaultHashLimit 哈希大小上限，超过则跳过
const DefaultHashLimit int64 = 50 << 20

// LocalProvider 基于 afero 的本地文件系统数据源
type LocalProvider struct {
	fs        afero.Fs
	roots     []string
	hashLimit int64
}

// NewLocalProvider 创建本地数据源；hashLimit <= 0 时使用默认上限
func NewLocalProvider(fsys afero.Fs, roots []string, hashLimit int64) *LocalProvider {
	if hashLimit <= 0 {
		hashLimit = DefaultHashLimit
	}
	return &LocalProvider{
		fs:        fsys,
		roots:     roots,
		hashLimit: hashLimit,
	}
}

// ListScanRoots 返回存在的扫描根目录
func (p *LocalProvider) ListScanRoots(ctx context.Context) ([]string, error) {
	roots := make([]string, 0, len(p.roots))
	for _, root := range p.roots {
		info, err := p.fs.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		roots = append(roots, root)
	}
	return roots, nil
}

// ListFiles 递归列出普通文件，无权限的子目录跳过
func (p *LocalProvider) ListFiles(ctx context.Context, root string) ([]domain.FileEntry, error) {
	var entries []domain.FileEntry
	err := afero.Walk(p.fs, root, func(path string, info fs.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			if info != nil && info.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() {
			entries = append(entries, domain.FileEntry{Path: path, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return entries, nil
}

// HashFile 计算 SHA-256；超过大小上限返回 nil
func (p *LocalProvider) HashFile(ctx context.Context, path string) (*string, error) {
	info, err := p.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > p.hashLimit {
		return nil, nil
	}

	f, err := p.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, p.hashLimit+1)); err != nil {
		return nil, err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return &sum, nil
}

package signature

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Store 特征库存储，支持热更新。
// 扫描持有 Snapshot 返回的语料，重新加载不会影响进行中的扫描
type Store struct {
	fs      afero.Fs
	current atomic.Pointer[Corpus]
	logger  *logrus.Logger
}

// NewStore 创建只包含内置规则的特征库
func NewStore(fs afero.Fs, logger *logrus.Logger) (*Store, error) {
	corpus := BuiltinCorpus()
	if err := corpus.compile(); err != nil {
		return nil, fmt.Errorf("invalid builtin corpus: %w", err)
	}
	s := &Store{fs: fs, logger: logger}
	s.current.Store(corpus)
	return s, nil
}

// Snapshot 当前特征库（只读）
func (s *Store) Snapshot() *Corpus {
	return s.current.Load()
}

// Stats 当前特征库统计
func (s *Store) Stats() Stats {
	return s.Snapshot().Stats()
}

// Reload 从 YAML 文件加载规则并与内置规则合并，成功后原子替换。
// 文件无效时保留当前特征库
func (s *Store) Reload(path string) error {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return fmt.Errorf("failed to read signature file: %w", err)
	}

	corpus, err := ParseCorpus(data)
	if err != nil {
		s.logger.WithError(err).WithField("path", path).Warn("Signature file rejected, keeping current corpus")
		return err
	}

	s.current.Store(corpus)
	stats := corpus.Stats()
	s.logger.WithFields(logrus.Fields{
		"path":     path,
		"version":  stats.Version,
		"packages": stats.KnownBadPackages,
		"hashes":   stats.HashPrefixes,
		"combos":   stats.PermissionCombos,
		"total":    stats.Total(),
	}).Info("✅ Signature corpus loaded")
	return nil
}

// ParseCorpus 解析 YAML 规则并合并到内置规则之上
func ParseCorpus(data []byte) (*Corpus, error) {
	var extra Corpus
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("failed to parse signature file: %w", err)
	}

	corpus := BuiltinCorpus()
	corpus.merge(&extra)
	if err := corpus.compile(); err != nil {
		return nil, fmt.Errorf("invalid signature file: %w", err)
	}
	return corpus, nil
}

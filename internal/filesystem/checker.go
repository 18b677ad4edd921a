package filesystem

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/provider"
	"github.com/apk-analysis/device-posture-go/internal/signature"
)

const (
	// BatchSize 每批处理的文件数
	BatchSize = 25

	maliciousWeight  = 40
	suspiciousWeight = 25
	sideloadWeight   = 5
	sideloadCap      = 15
)

// Checker 文件系统检查器：哈希匹配、可疑安装包、侧载安装包
type Checker struct {
	files  provider.FileSystemProvider
	logger *logrus.Logger
}

// NewChecker 创建文件系统检查器
func NewChecker(files provider.FileSystemProvider, logger *logrus.Logger) *Checker {
	return &Checker{
		files:  files,
		logger: logger,
	}
}

// Scan 遍历扫描根目录下的文件
func (c *Checker) Scan(ctx context.Context, corpus *signature.Corpus, progress domain.ProgressFunc) (*domain.PhaseResult, error) {
	roots, err := c.files.ListScanRoots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan roots: %w", err)
	}

	summary := &domain.FileSystemSummary{}
	result := &domain.PhaseResult{
		Phase:      domain.PhaseFileSystem,
		Findings:   []domain.Finding{},
		FileSystem: summary,
	}

	sideloadScore := 0
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := c.files.ListFiles(ctx, root)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// 单个目录不可读不影响其他目录
			c.logger.WithError(err).WithField("root", root).Warn("Failed to list scan root")
			continue
		}
		summary.RootsScanned++

		for start := 0; start < len(entries); start += BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			end := min(start+BatchSize, len(entries))
			for _, entry := range entries[start:end] {
				summary.FilesScanned++
				finding, ok := c.inspect(ctx, corpus, entry, summary)
				if !ok {
					continue
				}
				if finding.Kind == domain.KindSideloadPackageFile {
					if sideloadScore+finding.Weight > sideloadCap {
						finding.Weight = max(0, sideloadCap-sideloadScore)
					}
					sideloadScore += finding.Weight
				}
				result.Findings = append(result.Findings, finding)
			}

			if progress != nil {
				progress(root, summary.FilesScanned)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.ItemsProcessed = summary.FilesScanned
	result.SubScore = domain.SumWeights(result.Findings)
	result.Succeeded = true
	return result, nil
}

// inspect 检查单个文件：哈希命中 > 可疑文件名 > 侧载安装包
func (c *Checker) inspect(ctx context.Context, corpus *signature.Corpus, entry domain.FileEntry, summary *domain.FileSystemSummary) (domain.Finding, bool) {
	hash, err := c.files.HashFile(ctx, entry.Path)
	switch {
	case err != nil:
		// 读失败或超时只影响这一个文件
		c.logger.WithError(err).WithField("path", entry.Path).Debug("Failed to hash file")
	case hash == nil:
		summary.SkippedOversize++
	default:
		summary.FilesHashed++
		if rule, ok := corpus.MatchHash(*hash); ok {
			return domain.NewFinding(domain.PhaseFileSystem, domain.KindMaliciousFile, entry.Path,
				fmt.Sprintf("File matches malware family %s", rule.Family),
				domain.SeverityCritical, maliciousWeight), true
		}
	}

	if !isPackageFile(entry.Path) {
		return domain.Finding{}, false
	}
	if rule, ok := corpus.MatchSuspiciousFile(entry.Path); ok {
		return domain.NewFinding(domain.PhaseFileSystem, domain.KindSuspiciousPackageFile, entry.Path,
			fmt.Sprintf("Package file name matches %s", rule.Name),
			domain.SeverityHigh, suspiciousWeight), true
	}
	if isAPK(entry.Path) {
		return domain.NewFinding(domain.PhaseFileSystem, domain.KindSideloadPackageFile, entry.Path,
			"Loose APK in shared storage can be sideloaded",
			domain.SeverityLow, sideloadWeight), true
	}
	return domain.Finding{}, false
}

func isPackageFile(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".apk", ".dex", ".jar":
		return true
	}
	return false
}

func isAPK(p string) bool {
	return strings.EqualFold(path.Ext(p), ".apk")
}

package scan

import (
	"context"
	"sync"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/filesystem"
	"github.com/apk-analysis/device-posture-go/internal/integrity"
	"github.com/apk-analysis/device-posture-go/internal/network"
	"github.com/apk-analysis/device-posture-go/internal/privacy"
	"github.com/apk-analysis/device-posture-go/internal/provider"
	"github.com/apk-analysis/device-posture-go/internal/signature"
	"github.com/apk-analysis/device-posture-go/internal/threat"
)

// env 单次扫描内各阶段共享的只读上下文
type env struct {
	config    domain.ScanConfig
	corpus    *signature.Corpus
	providers provider.Providers
	progress  domain.ProgressFunc
}

// phaseRunner 执行单个阶段
type phaseRunner func(ctx context.Context, o *Orchestrator, e *env) (*domain.PhaseResult, error)

var phaseRunners = map[domain.PhaseID]phaseRunner{
	domain.PhaseIntegrity: func(ctx context.Context, o *Orchestrator, e *env) (*domain.PhaseResult, error) {
		return integrity.NewChecker(e.providers.Integrity, e.providers.Apps, o.logger).Check(ctx, e.corpus, e.progress)
	},
	domain.PhaseAppThreatMatch: func(ctx context.Context, o *Orchestrator, e *env) (*domain.PhaseResult, error) {
		return threat.NewMatcher(e.providers.Apps, o.logger).Match(ctx, e.corpus, e.config.IncludesSystemApps(), e.progress)
	},
	domain.PhaseFileSystem: func(ctx context.Context, o *Orchestrator, e *env) (*domain.PhaseResult, error) {
		return filesystem.NewChecker(e.providers.Files, o.logger).Scan(ctx, e.corpus, e.progress)
	},
	domain.PhaseNetworkPosture: func(ctx context.Context, o *Orchestrator, e *env) (*domain.PhaseResult, error) {
		return network.NewScanner(e.providers.Network, o.networkOpts, o.logger).Scan(ctx, e.corpus, e.progress)
	},
	domain.PhasePrivacyAudit: func(ctx context.Context, o *Orchestrator, e *env) (*domain.PhaseResult, error) {
		return privacy.NewAuditor(e.providers.Apps, e.providers.Grants, o.logger).Audit(ctx, e.corpus, e.progress)
	},
}

// skipReason 因配置或能力跳过的阶段返回原因
func skipReason(cfg domain.ScanConfig, p provider.Providers, phase domain.PhaseID) string {
	if phase != domain.PhaseFileSystem {
		return ""
	}
	switch {
	case cfg.Depth != domain.ScanDepthFull:
		return "quick scan"
	case !cfg.Capabilities.FileSystem:
		return "file system capability not granted"
	case p.Files == nil:
		return "no file system provider"
	}
	return ""
}

// cachedInventory 同一次扫描内多个阶段共用一次应用清单查询
type cachedInventory struct {
	inner provider.AppInventoryProvider
	once  sync.Once
	apps  []domain.AppRecord
	err   error
}

func (c *cachedInventory) ListInstalledApps(ctx context.Context) ([]domain.AppRecord, error) {
	c.once.Do(func() {
		c.apps, c.err = c.inner.ListInstalledApps(ctx)
	})
	return c.apps, c.err
}

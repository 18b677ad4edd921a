package integrity

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/provider"
	"github.com/apk-analysis/device-posture-go/internal/signature"
)

// Probe 完整性探针定义
type Probe struct {
	Name        string
	Kind        domain.FindingKind
	Severity    domain.Severity
	Weight      int
	Description string
	run         func(ctx context.Context, c *Checker, corpus *signature.Corpus) provider.ProbeResult
}

// Probes 固定的探针表，按执行顺序排列
var Probes = []Probe{
	{
		Name: provider.ProbeSuBinary, Kind: domain.KindRooted, Severity: domain.SeverityCritical, Weight: 40,
		Description: "Root binary present on device",
		run: func(ctx context.Context, c *Checker, _ *signature.Corpus) provider.ProbeResult {
			return c.probes.SuBinary(ctx)
		},
	},
	{
		Name: "dangerous_app", Kind: domain.KindDangerousApp, Severity: domain.SeverityCritical, Weight: 35,
		Description: "Root or hook management app installed",
		run: func(ctx context.Context, c *Checker, corpus *signature.Corpus) provider.ProbeResult {
			return c.dangerousApps(ctx, corpus)
		},
	},
	{
		Name: provider.ProbeHookFramework, Kind: domain.KindHookFramework, Severity: domain.SeverityCritical, Weight: 35,
		Description: "Hooking framework artifacts found",
		run: func(ctx context.Context, c *Checker, corpus *signature.Corpus) provider.ProbeResult {
			return c.probes.HookFramework(ctx, corpus.HookArtifacts)
		},
	},
	{
		Name: provider.ProbeBootloaderUnlocked, Kind: domain.KindBootloaderUnlocked, Severity: domain.SeverityHigh, Weight: 25,
		Description: "Bootloader is unlocked",
		run: func(ctx context.Context, c *Checker, _ *signature.Corpus) provider.ProbeResult {
			return c.probes.BootloaderUnlocked(ctx)
		},
	},
	{
		Name: provider.ProbeSELinuxPermissive, Kind: domain.KindSELinuxPermissive, Severity: domain.SeverityHigh, Weight: 25,
		Description: "SELinux is not enforcing",
		run: func(ctx context.Context, c *Checker, _ *signature.Corpus) provider.ProbeResult {
			return c.probes.SELinuxPermissive(ctx)
		},
	},
	{
		Name: provider.ProbeSystemWritable, Kind: domain.KindSystemWritable, Severity: domain.SeverityHigh, Weight: 25,
		Description: "System partition mounted read-write",
		run: func(ctx context.Context, c *Checker, _ *signature.Corpus) provider.ProbeResult {
			return c.probes.SystemWritable(ctx)
		},
	},
	{
		Name: provider.ProbeTestKeys, Kind: domain.KindBuildTags, Severity: domain.SeverityMedium, Weight: 15,
		Description: "Build signed with test-keys",
		run: func(ctx context.Context, c *Checker, _ *signature.Corpus) provider.ProbeResult {
			return c.probes.TestKeysBuild(ctx)
		},
	},
	{
		Name: provider.ProbeDebuggable, Kind: domain.KindDebuggableBuild, Severity: domain.SeverityMedium, Weight: 10,
		Description: "Debuggable system build",
		run: func(ctx context.Context, c *Checker, _ *signature.Corpus) provider.ProbeResult {
			return c.probes.DebuggableBuild(ctx)
		},
	},
	{
		Name: provider.ProbeUSBDebugging, Kind: domain.KindUSBDebugging, Severity: domain.SeverityLow, Weight: 5,
		Description: "USB debugging enabled",
		run: func(ctx context.Context, c *Checker, _ *signature.Corpus) provider.ProbeResult {
			return c.probes.USBDebugging(ctx)
		},
	},
}

// Checker 系统完整性检查器。
// 探针彼此独立，单个探针失败按未检出处理，只有全部探针不可用时检查失败
type Checker struct {
	probes provider.IntegrityProbeProvider
	apps   provider.AppInventoryProvider
	logger *logrus.Logger
}

// NewChecker 创建完整性检查器
func NewChecker(probes provider.IntegrityProbeProvider, apps provider.AppInventoryProvider, logger *logrus.Logger) *Checker {
	return &Checker{
		probes: probes,
		apps:   apps,
		logger: logger,
	}
}

// Check 依次执行全部探针
func (c *Checker) Check(ctx context.Context, corpus *signature.Corpus, progress domain.ProgressFunc) (*domain.PhaseResult, error) {
	result := &domain.PhaseResult{
		Phase:    domain.PhaseIntegrity,
		Findings: []domain.Finding{},
	}

	unavailable := 0
	for i, probe := range Probes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := probe.run(ctx, c, corpus)
		result.ItemsProcessed++

		switch res.State {
		case provider.ProbeUnavailable:
			unavailable++
			c.logger.WithFields(logrus.Fields{
				"probe": probe.Name,
				"error": res.Err,
			}).Debug("Integrity probe unavailable")
		case provider.ProbeDetected:
			result.Findings = append(result.Findings, probe.findings(res.Evidence)...)
			c.logger.WithFields(logrus.Fields{
				"probe":    probe.Name,
				"evidence": res.Evidence,
			}).Warn("Integrity probe detected")
		}

		if progress != nil {
			progress(probe.Name, i+1)
		}
	}

	if unavailable == len(Probes) {
		return nil, domain.ErrNoProbeAvailable
	}

	result.SubScore = domain.SumWeights(result.Findings)
	result.Succeeded = true
	return result, nil
}

// findings 探针检出后生成发现项；危险应用每个应用一条
func (p Probe) findings(evidence string) []domain.Finding {
	if p.Kind == domain.KindDangerousApp {
		var out []domain.Finding
		for _, pkg := range strings.Split(evidence, ",") {
			out = append(out, domain.NewFinding(domain.PhaseIntegrity, p.Kind, pkg,
				fmt.Sprintf("%s: %s", p.Description, pkg), p.Severity, p.Weight))
		}
		return out
	}

	description := p.Description
	if evidence != "" && evidence != p.Name {
		description = fmt.Sprintf("%s (%s)", p.Description, evidence)
	}
	return []domain.Finding{
		domain.NewFinding(domain.PhaseIntegrity, p.Kind, "", description, p.Severity, p.Weight),
	}
}

// dangerousApps 清单中出现 root/hook 管理类应用即检出
func (c *Checker) dangerousApps(ctx context.Context, corpus *signature.Corpus) provider.ProbeResult {
	if c.apps == nil {
		return provider.Unavailable(nil)
	}
	apps, err := c.apps.ListInstalledApps(ctx)
	if err != nil {
		return provider.FromError(err)
	}

	var found []string
	for _, app := range apps {
		if _, ok := corpus.LookupDangerousApp(app.PackageID); ok {
			found = append(found, app.PackageID)
		}
	}
	if len(found) == 0 {
		return provider.NotDetected()
	}
	return provider.Detected(strings.Join(found, ","))
}

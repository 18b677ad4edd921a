package privacy

import (
	"context"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/provider"
	"github.com/apk-analysis/device-posture-go/internal/signature"
)

const (
	// BatchSize 每批处理的应用数
	BatchSize = 25

	highRiskWeight      = 10
	accessibilityWeight = 15
	deviceAdminWeight   = 10
	overlayWeight       = 5
	bgLocationWeight    = 10
)

// Auditor 隐私审计：权限类别分布、高风险模式、特权授权
type Auditor struct {
	apps   provider.AppInventoryProvider
	grants provider.PrivilegedGrantProvider
	logger *logrus.Logger
}

// NewAuditor 创建隐私审计器
func NewAuditor(apps provider.AppInventoryProvider, grants provider.PrivilegedGrantProvider, logger *logrus.Logger) *Auditor {
	return &Auditor{
		apps:   apps,
		grants: grants,
		logger: logger,
	}
}

// Audit 执行隐私审计。只有应用清单失败会导致阶段失败
func (a *Auditor) Audit(ctx context.Context, corpus *signature.Corpus, progress domain.ProgressFunc) (*domain.PhaseResult, error) {
	apps, err := a.apps.ListInstalledApps(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed apps: %w", err)
	}

	summary := &domain.PrivacySummary{
		CategoryApps:      make(map[domain.PermissionCategory][]string),
		HighRiskApps:      []domain.HighRiskApp{},
		AccessibilityApps: []string{},
		DeviceAdminApps:   []string{},
		OverlayApps:       []string{},
	}
	result := &domain.PhaseResult{
		Phase:    domain.PhasePrivacyAudit,
		Findings: []domain.Finding{},
		Privacy:  summary,
	}

	thirdParty := make([]domain.AppRecord, 0, len(apps))
	for _, app := range apps {
		if !app.IsSystemApp {
			thirdParty = append(thirdParty, app)
		}
	}
	systemApps := make(map[string]bool, len(apps)-len(thirdParty))
	for _, app := range apps {
		if app.IsSystemApp {
			systemApps[app.PackageID] = true
		}
	}

	for start := 0; start < len(thirdParty); start += BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+BatchSize, len(thirdParty))
		for _, app := range thirdParty[start:end] {
			result.ItemsProcessed++
			a.auditApp(ctx, corpus, app, summary, result)
		}
		if progress != nil {
			progress("apps", end)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.auditGrants(ctx, thirdParty, systemApps, summary, result); err != nil {
		return nil, err
	}
	if progress != nil {
		progress("grants", result.ItemsProcessed)
	}

	result.SubScore = Score(summary)
	result.Succeeded = true
	return result, nil
}

func (a *Auditor) auditApp(ctx context.Context, corpus *signature.Corpus, app domain.AppRecord, summary *domain.PrivacySummary, result *domain.PhaseResult) {
	cats := Categories(app)
	for _, c := range categoryPermissions {
		if cats[c.Category] {
			summary.CategoryApps[c.Category] = append(summary.CategoryApps[c.Category], app.PackageID)
		}
	}
	if cats[domain.CategoryBackgroundLocation] {
		summary.BackgroundLocationApps++
	}

	pattern, ok := DetectPattern(app, corpus)
	if !ok {
		return
	}

	highRisk := domain.HighRiskApp{
		PackageID:   app.PackageID,
		DisplayName: app.Name(),
		Pattern:     pattern.Kind,
		Severity:    pattern.Severity,
		Reason:      pattern.Reason,
	}
	description := fmt.Sprintf("%s: %s", app.Name(), pattern.Reason)
	ignoring, err := a.grants.IsIgnoringBatteryOptimizations(ctx, app.PackageID)
	if err != nil {
		a.debug("battery_optimizations", err)
	} else if ignoring {
		highRisk.IgnoresBatteryOptimizations = true
		description += "; exempt from battery optimisation, can run persistently"
	}
	summary.HighRiskApps = append(summary.HighRiskApps, highRisk)
	result.Findings = append(result.Findings,
		domain.NewFinding(domain.PhasePrivacyAudit, pattern.Kind, app.PackageID, description, pattern.Severity, highRiskWeight))

	a.logger.WithFields(logrus.Fields{
		"package":  app.PackageID,
		"pattern":  pattern.Kind,
		"severity": pattern.Severity.String(),
	}).Warn("Privacy risk pattern detected")
}

// auditGrants 特权授权；查询失败按 0 个处理，只有取消会返回错误
func (a *Auditor) auditGrants(ctx context.Context, thirdParty []domain.AppRecord, systemApps map[string]bool, summary *domain.PrivacySummary, result *domain.PhaseResult) error {
	phase := domain.PhasePrivacyAudit

	if accessibility, err := a.grants.ListAccessibilityGrantedApps(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.debug("accessibility", err)
	} else {
		for _, pkg := range dedupe(accessibility) {
			if systemApps[pkg] {
				continue
			}
			summary.AccessibilityApps = append(summary.AccessibilityApps, pkg)
			result.Findings = append(result.Findings, domain.NewFinding(phase, domain.KindAccessibilityGrant, pkg,
				fmt.Sprintf("%s holds an accessibility service grant and can read screen content", pkg),
				domain.SeverityMedium, accessibilityWeight))
		}
	}

	if admins, err := a.grants.ListDeviceAdminApps(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.debug("device_admin", err)
	} else {
		for _, pkg := range dedupe(admins) {
			if systemApps[pkg] {
				continue
			}
			summary.DeviceAdminApps = append(summary.DeviceAdminApps, pkg)
			result.Findings = append(result.Findings, domain.NewFinding(phase, domain.KindDeviceAdminGrant, pkg,
				fmt.Sprintf("%s is an active device administrator", pkg),
				domain.SeverityLow, deviceAdminWeight))
		}
	}

	for _, app := range thirdParty {
		if err := ctx.Err(); err != nil {
			return err
		}
		granted, err := a.grants.IsOverlayGranted(ctx, app.PackageID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.debug("overlay", err)
			continue
		}
		if !granted {
			continue
		}
		summary.OverlayApps = append(summary.OverlayApps, app.PackageID)
		result.Findings = append(result.Findings, domain.NewFinding(phase, domain.KindOverlayGrant, app.PackageID,
			fmt.Sprintf("%s can draw over other apps", app.Name()),
			domain.SeverityLow, overlayWeight))
	}
	// 最后一次查询期间取消时结果不完整
	return ctx.Err()
}

// Score 隐私子分数
func Score(summary *domain.PrivacySummary) int {
	score := min(30, bgLocationWeight*summary.BackgroundLocationApps) +
		min(30, accessibilityWeight*len(summary.AccessibilityApps)) +
		min(20, deviceAdminWeight*len(summary.DeviceAdminApps)) +
		min(10, overlayWeight*len(summary.OverlayApps)) +
		highRiskWeight*len(summary.HighRiskApps)
	return domain.ClampScore(score, 100)
}

func dedupe(pkgs []string) []string {
	out := slices.Clone(pkgs)
	slices.Sort(out)
	return slices.Compact(out)
}

func (a *Auditor) debug(query string, err error) {
	a.logger.WithFields(logrus.Fields{
		"query": query,
		"error": err,
	}).Debug("Privileged grant query failed, counting as none")
}

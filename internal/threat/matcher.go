package threat

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/provider"
	"github.com/apk-analysis/device-posture-go/internal/signature"
)

const (
	// BatchSize 每批检查的应用数，批次边界检查取消并上报进度
	BatchSize = 25

	permissionPoints = 10 // 每个危险权限
	comboPoints      = 25 // 命中危险组合
	highRiskScore    = 75 // 组合风险分达到此值判定为 HIGH
)

// 威胁记录的权重
var recordWeights = map[domain.Severity]int{
	domain.SeverityCritical: 40,
	domain.SeverityHigh:     25,
	domain.SeverityMedium:   10,
	domain.SeverityLow:      5,
}

// Matcher 应用威胁特征匹配器
type Matcher struct {
	apps   provider.AppInventoryProvider
	logger *logrus.Logger
}

// NewMatcher 创建匹配器
func NewMatcher(apps provider.AppInventoryProvider, logger *logrus.Logger) *Matcher {
	return &Matcher{
		apps:   apps,
		logger: logger,
	}
}

// Match 对清单中的应用逐一匹配特征库；includeSystem 为 false 时只检查用户安装的应用
func (m *Matcher) Match(ctx context.Context, corpus *signature.Corpus, includeSystem bool, progress domain.ProgressFunc) (*domain.PhaseResult, error) {
	apps, err := m.apps.ListInstalledApps(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed apps: %w", err)
	}

	summary := &domain.ThreatSummary{Records: []domain.ThreatRecord{}}
	result := &domain.PhaseResult{
		Phase:    domain.PhaseAppThreatMatch,
		Findings: []domain.Finding{},
		Threats:  summary,
	}

	inScope := make([]domain.AppRecord, 0, len(apps))
	for _, app := range apps {
		if app.IsSystemApp && !includeSystem {
			continue
		}
		inScope = append(inScope, app)
	}

	for start := 0; start < len(inScope); start += BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(start+BatchSize, len(inScope))
		for _, app := range inScope[start:end] {
			summary.AppsScanned++
			record, ok := Evaluate(corpus, app)
			if !ok {
				continue
			}
			summary.Records = append(summary.Records, record)
			result.Findings = append(result.Findings, findingFor(record))

			m.logger.WithFields(logrus.Fields{
				"package":  app.PackageID,
				"rule":     record.MatchedRule,
				"severity": record.Severity.String(),
			}).Warn("Threat signature matched")
		}

		if progress != nil {
			progress("apps", end)
		}
	}

	result.ItemsProcessed = summary.AppsScanned
	result.SubScore = domain.SumWeights(result.Findings)
	result.Succeeded = true
	return result, nil
}

// Evaluate 按固定顺序匹配单个应用，第一条命中的规则生效。
// 系统应用只做包名和哈希匹配，FULL 深度也不做权限组合和名称规则。
// 哈希未命中不是信号，不会产生记录
func Evaluate(corpus *signature.Corpus, app domain.AppRecord) (domain.ThreatRecord, bool) {
	// 1. 包名
	if rule, ok := corpus.MatchPackage(app.PackageID); ok {
		return domain.ThreatRecord{
			App:         app,
			MatchedRule: "package:" + rule.ID,
			Severity:    domain.SeverityCritical,
			RiskScore:   100,
		}, true
	}

	// 2. 文件哈希
	if app.HasHash() {
		if rule, ok := corpus.MatchHash(*app.FileHash); ok {
			return domain.ThreatRecord{
				App:         app,
				MatchedRule: "hash:" + rule.Family,
				Severity:    domain.SeverityCritical,
				RiskScore:   100,
			}, true
		}
	}

	// 系统应用只参与特征匹配
	if app.IsSystemApp {
		return domain.ThreatRecord{}, false
	}

	// 3. 危险权限组合
	if combo, ok := corpus.MatchCombo(app.Permissions); ok {
		risk := min(100, permissionPoints*corpus.DangerousPermissionCount(app.Permissions)+comboPoints)
		severity := domain.SeverityMedium
		if risk >= highRiskScore {
			severity = domain.SeverityHigh
		}
		return domain.ThreatRecord{
			App:         app,
			MatchedRule: "combo:" + combo.Name,
			Severity:    severity,
			RiskScore:   risk,
		}, true
	}

	// 4. 名称正则
	if rule, ok := corpus.MatchName(app.DisplayName); ok {
		return domain.ThreatRecord{
			App:         app,
			MatchedRule: "name:" + rule.Name,
			Severity:    domain.SeverityHigh,
			RiskScore:   recordWeights[domain.SeverityHigh],
		}, true
	}

	return domain.ThreatRecord{}, false
}

func findingFor(record domain.ThreatRecord) domain.Finding {
	return domain.NewFinding(
		domain.PhaseAppThreatMatch,
		domain.KindThreatMatch,
		record.App.PackageID,
		fmt.Sprintf("%s matched %s", record.App.Name(), record.MatchedRule),
		record.Severity,
		recordWeights[record.Severity],
	)
}

// Package risk 汇总各阶段结果，生成总体评分、问题统计和修复建议
package risk

import (
	"time"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

// 严重发现项对总分的下限，保证等级不低于发现项本身
const (
	criticalFloor = 41
	highFloor     = 21
)

// Input 聚合输入
type Input struct {
	ScanID    string
	Depth     domain.ScanDepth
	StartedAt time.Time
	EndedAt   time.Time
	Results   map[domain.PhaseID]*domain.PhaseResult
	Status    map[domain.PhaseID]domain.PhaseStatus
	Cancelled bool
}

// Aggregate 生成扫描报告。纯函数：相同输入得到相同报告
func Aggregate(in Input) *domain.ScanReport {
	report := &domain.ScanReport{
		ScanID:       in.ScanID,
		Depth:        in.Depth,
		StartedAt:    in.StartedAt,
		EndedAt:      in.EndedAt,
		PhaseResults: make(map[domain.PhaseID]*domain.PhaseResult, len(domain.PhaseOrder)),
		PhaseStatus:  make(map[domain.PhaseID]domain.PhaseStatus, len(domain.PhaseOrder)),
		Cancelled:    in.Cancelled,
	}

	for _, phase := range domain.PhaseOrder {
		if phase == domain.PhaseAggregate {
			continue
		}
		report.PhaseResults[phase] = in.Results[phase]
		report.PhaseStatus[phase] = statusOf(in, phase)
	}

	findings := succeededFindings(report.PhaseResults)
	report.OverallScore = OverallScore(report.PhaseResults, findings)
	report.OverallLevel = domain.LevelForScore(report.OverallScore)
	for _, f := range findings {
		report.IssueCounts.Add(f.Severity)
	}
	report.Recommendations = Recommend(findings)

	if in.Cancelled {
		report.PhaseResults[domain.PhaseAggregate] = nil
		report.PhaseStatus[domain.PhaseAggregate] = domain.PhaseStatusNotRun
	} else {
		report.PhaseResults[domain.PhaseAggregate] = &domain.PhaseResult{
			Phase:     domain.PhaseAggregate,
			Findings:  []domain.Finding{},
			SubScore:  report.OverallScore,
			Succeeded: true,
		}
		report.PhaseStatus[domain.PhaseAggregate] = domain.PhaseStatusCompleted
	}
	return report
}

// statusOf 未显式给出状态时由结果推断
func statusOf(in Input, phase domain.PhaseID) domain.PhaseStatus {
	if status, ok := in.Status[phase]; ok {
		return status
	}
	result := in.Results[phase]
	switch {
	case result == nil:
		return domain.PhaseStatusNotRun
	case result.Succeeded:
		return domain.PhaseStatusCompleted
	default:
		return domain.PhaseStatusFailed
	}
}

// succeededFindings 按阶段顺序收集成功阶段的发现项
func succeededFindings(results map[domain.PhaseID]*domain.PhaseResult) []domain.Finding {
	var out []domain.Finding
	for _, phase := range domain.PhaseOrder {
		if phase == domain.PhaseAggregate {
			continue
		}
		if r := results[phase]; r != nil && r.Succeeded {
			out = append(out, r.Findings...)
		}
	}
	return out
}

// OverallScore 成功阶段子分数的平均值（四舍五入），空集合为 0；
// 存在 CRITICAL / HIGH 发现项时分别不低于 41 / 21
func OverallScore(results map[domain.PhaseID]*domain.PhaseResult, findings []domain.Finding) int {
	sum, n := 0, 0
	for _, phase := range domain.PhaseOrder {
		if phase == domain.PhaseAggregate {
			continue
		}
		r := results[phase]
		if r == nil || !r.Succeeded {
			continue
		}
		sum += domain.ClampScore(r.SubScore, 100)
		n++
	}

	score := 0
	if n > 0 {
		score = (2*sum + n) / (2 * n)
	}

	for _, f := range findings {
		switch f.Severity {
		case domain.SeverityCritical:
			score = max(score, criticalFloor)
		case domain.SeverityHigh:
			score = max(score, highFloor)
		}
	}
	return domain.ClampScore(score, 100)
}

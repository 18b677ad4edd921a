package privacy

import (
	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/signature"
)

// Pattern 高风险模式规则
type Pattern struct {
	Kind     domain.FindingKind
	Severity domain.Severity
	Reason   string
	match    func(cats map[domain.PermissionCategory]bool, app domain.AppRecord, corpus *signature.Corpus) bool
}

// Patterns 按优先级排列，第一条命中生效
var Patterns = []Pattern{
	{
		Kind:     domain.KindStalkerwarePattern,
		Severity: domain.SeverityCritical,
		Reason:   "Camera, microphone, location and background location together (stalkerware pattern)",
		match: func(cats map[domain.PermissionCategory]bool, _ domain.AppRecord, _ *signature.Corpus) bool {
			return cats[domain.CategoryCamera] && cats[domain.CategoryMicrophone] &&
				cats[domain.CategoryLocation] && cats[domain.CategoryBackgroundLocation]
		},
	},
	{
		Kind:     domain.KindSpywarePattern,
		Severity: domain.SeverityHigh,
		Reason:   "SMS, call log and contacts together (spyware pattern)",
		match: func(cats map[domain.PermissionCategory]bool, _ domain.AppRecord, _ *signature.Corpus) bool {
			return cats[domain.CategorySMS] && cats[domain.CategoryCallLog] && cats[domain.CategoryContacts]
		},
	},
	{
		Kind:     domain.KindUnexplainedBackgroundLocation,
		Severity: domain.SeverityMedium,
		Reason:   "Background location without an apparent need",
		match: func(cats map[domain.PermissionCategory]bool, app domain.AppRecord, corpus *signature.Corpus) bool {
			return cats[domain.CategoryBackgroundLocation] && !cats[domain.CategoryCamera] &&
				!corpus.IsBenignLocationApp(app)
		},
	},
}

// DetectPattern 对非系统应用执行模式检测
func DetectPattern(app domain.AppRecord, corpus *signature.Corpus) (Pattern, bool) {
	if app.IsSystemApp {
		return Pattern{}, false
	}
	cats := Categories(app)
	for _, p := range Patterns {
		if p.match(cats, app, corpus) {
			return p, true
		}
	}
	return Pattern{}, false
}

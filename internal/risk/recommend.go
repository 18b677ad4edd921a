package risk

import (
	"fmt"
	"sort"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

// advice 单条发现项对应的建议
type advice struct {
	kind        domain.ActionKind
	subject     string
	title       string
	description string
}

// adviceFor 发现项到建议的固定规则；返回 false 表示该类发现项没有专门建议
func adviceFor(f domain.Finding) (advice, bool) {
	switch f.Kind {
	// 系统完整性
	case domain.KindRooted:
		return advice{domain.ActionInvestigate, "root", "Investigate root access",
			"The device shows root access. If you did not root it yourself, assume it is compromised and back up your data."}, true
	case domain.KindHookFramework:
		return advice{domain.ActionInvestigate, "hook_framework", "Investigate hooking framework",
			"A hooking framework can alter any app's behaviour. Remove it unless you installed it deliberately."}, true
	case domain.KindDangerousApp:
		return advice{domain.ActionUninstallApp, f.Subject, "Uninstall " + f.Subject,
			"Root or hook management apps weaken the platform sandbox."}, true
	case domain.KindBootloaderUnlocked, domain.KindSELinuxPermissive, domain.KindSystemWritable,
		domain.KindBuildTags, domain.KindDebuggableBuild:
		return advice{domain.ActionRestoreFirmware, "firmware", "Restore stock firmware",
			"Flash the official firmware and relock the bootloader to restore verified boot and SELinux enforcement."}, true
	case domain.KindUSBDebugging:
		return advice{domain.ActionDisableFeature, "usb_debugging", "Disable USB debugging",
			"Turn off USB debugging in Developer options when you are not using it."}, true

	// 应用威胁
	case domain.KindThreatMatch:
		if f.Severity.AtLeast(domain.SeverityHigh) {
			return advice{domain.ActionUninstallApp, f.Subject, "Uninstall " + f.Subject, f.Description}, true
		}
		return advice{domain.ActionInvestigate, f.Subject, "Review " + f.Subject, f.Description}, true

	// 文件系统
	case domain.KindMaliciousFile, domain.KindSuspiciousPackageFile:
		return advice{domain.ActionDeleteFile, f.Subject, "Delete " + f.Subject, f.Description}, true
	case domain.KindSideloadPackageFile:
		return advice{domain.ActionReview, "sideload_packages", "Review downloaded APK files",
			"Delete installer files you no longer need and only install apps from trusted stores."}, true

	// 网络
	case domain.KindADBOverNetwork:
		return advice{domain.ActionDisableFeature, "adb_over_network", "Disable ADB over network",
			"Wireless debugging lets anyone on the network control the device. Turn it off."}, true
	case domain.KindDangerousPort:
		return advice{domain.ActionDisableFeature, "port:" + f.Subject, "Close port " + f.Subject,
			"Stop the app or service listening on this port."}, true
	case domain.KindProxyConfigured:
		return advice{domain.ActionSecureNetwork, "proxy", "Remove unknown HTTP proxy",
			"Remove the proxy unless your organisation configured it."}, true
	case domain.KindInsecureWiFi:
		return advice{domain.ActionSecureNetwork, "wifi", "Avoid insecure WiFi",
			"Use a WPA2/WPA3 network or enable a trusted VPN on this network."}, true
	case domain.KindUntrustedDNS:
		return advice{domain.ActionSecureNetwork, "dns", "Use a trusted DNS resolver",
			"Configure Private DNS with a well-known provider."}, true

	// 隐私
	case domain.KindStalkerwarePattern, domain.KindSpywarePattern:
		return advice{domain.ActionUninstallApp, f.Subject, "Uninstall " + f.Subject, f.Description}, true
	case domain.KindUnexplainedBackgroundLocation, domain.KindAccessibilityGrant,
		domain.KindDeviceAdminGrant, domain.KindOverlayGrant:
		return advice{domain.ActionRevokePermission, f.Subject, "Revoke sensitive access for " + f.Subject, f.Description}, true
	}
	return advice{}, false
}

// Recommend 按阶段顺序应用规则，相同 (动作, 对象) 合并；
// 未被覆盖的 CRITICAL/HIGH 发现项补一条 REVIEW 建议；最后按优先级稳定降序排序
func Recommend(findings []domain.Finding) []domain.Recommendation {
	recs := []domain.Recommendation{}
	index := make(map[string]int)
	covered := make(map[string]bool)

	add := func(a advice, f domain.Finding) {
		key := string(a.kind) + "|" + a.subject
		if i, ok := index[key]; ok {
			rec := &recs[i]
			if f.Severity > rec.Priority {
				rec.Priority = f.Severity
			}
			rec.FindingIDs = append(rec.FindingIDs, f.ID)
		} else {
			index[key] = len(recs)
			recs = append(recs, domain.Recommendation{
				ID:          recommendationID(a.kind, a.subject),
				Title:       a.title,
				Description: a.description,
				Priority:    f.Severity,
				ActionKind:  a.kind,
				Subject:     a.subject,
				FindingIDs:  []string{f.ID},
			})
		}
		covered[f.ID] = true
	}

	for _, f := range findings {
		if a, ok := adviceFor(f); ok {
			add(a, f)
		}
	}

	for _, f := range findings {
		if covered[f.ID] || !f.Severity.AtLeast(domain.SeverityHigh) {
			continue
		}
		add(advice{
			kind:        domain.ActionReview,
			subject:     f.ID,
			title:       "Review " + string(f.Kind),
			description: f.Description,
		}, f)
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Priority > recs[j].Priority
	})
	return recs
}

func recommendationID(kind domain.ActionKind, subject string) string {
	if subject == "" {
		return string(kind)
	}
	return fmt.Sprintf("%s:%s", kind, subject)
}

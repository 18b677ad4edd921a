package domain

// FindingKind 发现项类型
type FindingKind string

const (
	// 系统完整性
	KindRooted             FindingKind = "rooted"
	KindDangerousApp       FindingKind = "dangerous_app"
	KindHookFramework      FindingKind = "hook_framework"
	KindBootloaderUnlocked FindingKind = "bootloader_unlocked"
	KindSELinuxPermissive  FindingKind = "selinux_permissive"
	KindSystemWritable     FindingKind = "system_writable"
	KindBuildTags          FindingKind = "build_tags"
	KindDebuggableBuild    FindingKind = "debuggable_build"
	KindUSBDebugging       FindingKind = "usb_debugging"

	// 应用威胁
	KindThreatMatch FindingKind = "threat_match"

	// 文件系统
	KindMaliciousFile         FindingKind = "malicious_file"
	KindSuspiciousPackageFile FindingKind = "suspicious_package_file"
	KindSideloadPackageFile   FindingKind = "sideload_package_file"

	// 网络
	KindProxyConfigured FindingKind = "proxy_configured"
	KindDangerousPort   FindingKind = "dangerous_port"
	KindADBOverNetwork  FindingKind = "adb_over_network"
	KindInsecureWiFi    FindingKind = "insecure_wifi"
	KindUntrustedDNS    FindingKind = "untrusted_dns"
	KindCaptivePortal   FindingKind = "captive_portal"

	// 隐私
	KindStalkerwarePattern            FindingKind = "stalkerware_pattern"
	KindSpywarePattern                FindingKind = "spyware_pattern"
	KindUnexplainedBackgroundLocation FindingKind = "unexplained_background_location"
	KindAccessibilityGrant            FindingKind = "accessibility_grant"
	KindDeviceAdminGrant              FindingKind = "device_admin_grant"
	KindOverlayGrant                  FindingKind = "overlay_grant"
)

// Finding 单个检测结论，由检查器产生，只被聚合器消费
type Finding struct {
	ID          string      `json:"id"`
	Phase       PhaseID     `json:"phase"`
	Kind        FindingKind `json:"kind"`
	Subject     string      `json:"subject,omitempty"` // 包名/端口/文件路径等
	Description string      `json:"description"`
	Severity    Severity    `json:"severity"`
	Weight      int         `json:"weight"`
}

// NewFinding 创建发现项，ID 由阶段、类型、对象确定性生成
func NewFinding(phase PhaseID, kind FindingKind, subject, description string, severity Severity, weight int) Finding {
	id := string(phase) + ":" + string(kind)
	if subject != "" {
		id += ":" + subject
	}
	return Finding{
		ID:          id,
		Phase:       phase,
		Kind:        kind,
		Subject:     subject,
		Description: description,
		Severity:    severity,
		Weight:      weight,
	}
}

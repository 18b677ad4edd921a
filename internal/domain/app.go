package domain

import (
	"encoding/json"
	"sort"
	"strings"
)

const androidPermissionPrefix = "android.permission."

// CanonicalPermission 权限名规范化：裸名称补全 android.permission. 前缀
func CanonicalPermission(perm string) string {
	perm = strings.TrimSpace(perm)
	if perm == "" {
		return ""
	}
	if !strings.Contains(perm, ".") {
		return androidPermissionPrefix + strings.ToUpper(perm)
	}
	return perm
}

// PermissionSet 规范化后的权限集合
type PermissionSet map[string]struct{}

// NewPermissionSet 创建权限集合
func NewPermissionSet(perms ...string) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		if c := CanonicalPermission(p); c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}

// Has 是否持有权限
func (s PermissionSet) Has(perm string) bool {
	_, ok := s[CanonicalPermission(perm)]
	return ok
}

// HasAll 是否持有全部权限（集合为超集）
func (s PermissionSet) HasAll(perms ...string) bool {
	for _, p := range perms {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// HasAny 是否持有任一权限
func (s PermissionSet) HasAny(perms ...string) bool {
	for _, p := range perms {
		if s.Has(p) {
			return true
		}
	}
	return false
}

// Sorted 排序后的权限列表
func (s PermissionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *PermissionSet) UnmarshalJSON(b []byte) error {
	var perms []string
	if err := json.Unmarshal(b, &perms); err != nil {
		return err
	}
	*s = NewPermissionSet(perms...)
	return nil
}

// AppRecord 已安装应用信息，由外部清单提供，核心只读
type AppRecord struct {
	PackageID   string        `json:"package_id"`
	DisplayName string        `json:"display_name"`
	IsSystemApp bool          `json:"is_system_app"`
	Permissions PermissionSet `json:"permissions"`
	FileHash    *string       `json:"file_hash,omitempty"`
}

// Name 展示名称，缺失时使用包名
func (a AppRecord) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.PackageID
}

// HasHash 是否提供了文件哈希
func (a AppRecord) HasHash() bool {
	return a.FileHash != nil && *a.FileHash != ""
}

// ThreatRecord 特征匹配产生的单应用威胁记录（每应用每次扫描最多一条）
type ThreatRecord struct {
	App         AppRecord `json:"app"`
	MatchedRule string    `json:"matched_rule"`
	Severity    Severity  `json:"severity"`
	RiskScore   int       `json:"risk_score"`
}

// ThreatSummary 应用威胁匹配阶段明细
type ThreatSummary struct {
	AppsScanned int            `json:"apps_scanned"`
	Records     []ThreatRecord `json:"records"`
}

// PermissionCategory 权限类别
type PermissionCategory string

const (
	CategoryCamera             PermissionCategory = "camera"
	CategoryMicrophone         PermissionCategory = "microphone"
	CategoryLocation           PermissionCategory = "location"
	CategoryBackgroundLocation PermissionCategory = "background_location"
	CategoryContacts           PermissionCategory = "contacts"
	CategorySMS                PermissionCategory = "sms"
	CategoryCallLog            PermissionCategory = "call_log"
	CategoryStorage            PermissionCategory = "storage"
)

// HighRiskApp 隐私高风险应用
type HighRiskApp struct {
	PackageID                   string      `json:"package_id"`
	DisplayName                 string      `json:"display_name"`
	Pattern                     FindingKind `json:"pattern"`
	Severity                    Severity    `json:"severity"`
	Reason                      string      `json:"reason"`
	IgnoresBatteryOptimizations bool        `json:"ignores_battery_optimizations,omitempty"`
}

// PrivacySummary 隐私审计阶段明细
type PrivacySummary struct {
	CategoryApps           map[PermissionCategory][]string `json:"category_apps"`
	HighRiskApps           []HighRiskApp                   `json:"high_risk_apps"`
	BackgroundLocationApps int                             `json:"background_location_apps"`
	AccessibilityApps      []string                        `json:"accessibility_apps"`
	DeviceAdminApps        []string                        `json:"device_admin_apps"`
	OverlayApps            []string                        `json:"overlay_apps"`
}

// FileEntry 文件系统枚举得到的文件
type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// FileSystemSummary 文件系统阶段明细
type FileSystemSummary struct {
	RootsScanned    int `json:"roots_scanned"`
	FilesScanned    int `json:"files_scanned"`
	FilesHashed     int `json:"files_hashed"`
	SkippedOversize int `json:"skipped_oversize"`
}

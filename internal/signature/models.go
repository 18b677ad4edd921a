package signature

import "regexp"

// 已知恶意包的类别
const (
	CategoryStalkerware = "stalkerware"
	CategorySpyware     = "spyware"
	CategoryBanker      = "banker"
	CategoryAdware      = "adware"
	CategoryRootTool    = "root_tool"
	CategoryHookTool    = "hook_tool"
)

// MinHashPrefixLen 哈希前缀最短长度，过短的前缀误报率太高
const MinHashPrefixLen = 8

// PackageRule 已知恶意包规则
type PackageRule struct {
	ID       string `yaml:"id"`       // 包名或包名前缀
	Prefix   bool   `yaml:"prefix"`   // 是否按前缀匹配
	Category string `yaml:"category"` // 类别
	Reason   string `yaml:"reason"`   // 说明
	Priority int    `yaml:"priority"` // 优先级 (越大越优先匹配)
}

// HashRule 恶意文件哈希前缀
type HashRule struct {
	Prefix string `yaml:"prefix"`
	Family string `yaml:"family"` // 恶意家族
}

// NameRule 名称正则规则
type NameRule struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Priority int    `yaml:"priority"`

	re *regexp.Regexp
}

// PermissionCombo 危险权限组合模板
type PermissionCombo struct {
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
	Description string   `yaml:"description"`
}

// DangerousApp root/hook 管理类应用
type DangerousApp struct {
	Package string `yaml:"package"`
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // root_tool/hook_tool
}

// Corpus 特征库。编译后只读，可在各阶段之间共享
type Corpus struct {
	Version                string            `yaml:"version"`
	KnownBadPackages       []PackageRule     `yaml:"known_bad_packages"`
	HashPrefixes           []HashRule        `yaml:"hash_prefixes"`
	NamePatterns           []NameRule        `yaml:"name_patterns"`
	PermissionCombos       []PermissionCombo `yaml:"permission_combos"`
	DangerousPermissions   []string          `yaml:"dangerous_permissions"`
	DangerousApps          []DangerousApp    `yaml:"dangerous_apps"`
	HookArtifacts          []string          `yaml:"hook_artifacts"`
	BenignLocationKeywords []string          `yaml:"benign_location_keywords"`
	SuspiciousFilePatterns []NameRule        `yaml:"suspicious_file_patterns"`
	TrustedDNSServers      []string          `yaml:"trusted_dns_servers"`

	dangerousPerms map[string]struct{}
	dangerousApps  map[string]DangerousApp
}

// Stats 各类规则数量
type Stats struct {
	Version              string `json:"version"`
	KnownBadPackages     int    `json:"known_bad_packages"`
	HashPrefixes         int    `json:"hash_prefixes"`
	NamePatterns         int    `json:"name_patterns"`
	PermissionCombos     int    `json:"permission_combos"`
	DangerousPermissions int    `json:"dangerous_permissions"`
	DangerousApps        int    `json:"dangerous_apps"`
	HookArtifacts        int    `json:"hook_artifacts"`
	SuspiciousFiles      int    `json:"suspicious_file_patterns"`
}

// Stats 统计规则数量
func (c *Corpus) Stats() Stats {
	return Stats{
		Version:              c.Version,
		KnownBadPackages:     len(c.KnownBadPackages),
		HashPrefixes:         len(c.HashPrefixes),
		NamePatterns:         len(c.NamePatterns),
		PermissionCombos:     len(c.PermissionCombos),
		DangerousPermissions: len(c.DangerousPermissions),
		DangerousApps:        len(c.DangerousApps),
		HookArtifacts:        len(c.HookArtifacts),
		SuspiciousFiles:      len(c.SuspiciousFilePatterns),
	}
}

// Total 规则总数
func (s Stats) Total() int {
	return s.KnownBadPackages + s.HashPrefixes + s.NamePatterns + s.PermissionCombos +
		s.DangerousPermissions + s.DangerousApps + s.HookArtifacts + s.SuspiciousFiles
}

package signature

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

// compile 校验规则、编译正则并按优先级排序
func (c *Corpus) compile() error {
	for i := range c.KnownBadPackages {
		rule := &c.KnownBadPackages[i]
		rule.ID = strings.TrimSpace(rule.ID)
		if rule.ID == "" {
			return fmt.Errorf("known_bad_packages[%d]: empty id", i)
		}
	}
	// 按优先级降序排序，同优先级保持声明顺序
	sort.SliceStable(c.KnownBadPackages, func(i, j int) bool {
		return c.KnownBadPackages[i].Priority > c.KnownBadPackages[j].Priority
	})

	for i := range c.HashPrefixes {
		rule := &c.HashPrefixes[i]
		rule.Prefix = strings.ToLower(strings.TrimSpace(rule.Prefix))
		if len(rule.Prefix) < MinHashPrefixLen {
			return fmt.Errorf("hash prefix %q shorter than %d characters", rule.Prefix, MinHashPrefixLen)
		}
	}

	if err := compileNameRules(c.NamePatterns); err != nil {
		return fmt.Errorf("name_patterns: %w", err)
	}
	sort.SliceStable(c.NamePatterns, func(i, j int) bool {
		return c.NamePatterns[i].Priority > c.NamePatterns[j].Priority
	})
	if err := compileNameRules(c.SuspiciousFilePatterns); err != nil {
		return fmt.Errorf("suspicious_file_patterns: %w", err)
	}
	sort.SliceStable(c.SuspiciousFilePatterns, func(i, j int) bool {
		return c.SuspiciousFilePatterns[i].Priority > c.SuspiciousFilePatterns[j].Priority
	})

	for i := range c.PermissionCombos {
		combo := &c.PermissionCombos[i]
		if len(combo.Permissions) == 0 {
			return fmt.Errorf("permission combo %q has no permissions", combo.Name)
		}
		for j, p := range combo.Permissions {
			combo.Permissions[j] = domain.CanonicalPermission(p)
		}
	}

	c.dangerousPerms = make(map[string]struct{}, len(c.DangerousPermissions))
	for _, p := range c.DangerousPermissions {
		c.dangerousPerms[domain.CanonicalPermission(p)] = struct{}{}
	}
	c.dangerousApps = make(map[string]DangerousApp, len(c.DangerousApps))
	for _, app := range c.DangerousApps {
		c.dangerousApps[app.Package] = app
	}
	for i, kw := range c.BenignLocationKeywords {
		c.BenignLocationKeywords[i] = strings.ToLower(kw)
	}
	return nil
}

func compileNameRules(rules []NameRule) error {
	for i := range rules {
		re, err := regexp.Compile(rules[i].Pattern)
		if err != nil {
			return fmt.Errorf("rule %q: %w", rules[i].Name, err)
		}
		rules[i].re = re
	}
	return nil
}

// merge 把 other 的规则追加到 c 上，同名/同 ID 的规则由 other 覆盖
func (c *Corpus) merge(other *Corpus) {
	if other.Version != "" {
		c.Version = other.Version
	}

	pkgIndex := make(map[string]int, len(c.KnownBadPackages))
	for i, r := range c.KnownBadPackages {
		pkgIndex[r.ID] = i
	}
	for _, r := range other.KnownBadPackages {
		if i, ok := pkgIndex[r.ID]; ok {
			c.KnownBadPackages[i] = r
			continue
		}
		c.KnownBadPackages = append(c.KnownBadPackages, r)
	}

	c.HashPrefixes = append(c.HashPrefixes, other.HashPrefixes...)
	c.NamePatterns = append(c.NamePatterns, other.NamePatterns...)
	c.PermissionCombos = append(c.PermissionCombos, other.PermissionCombos...)
	c.DangerousPermissions = appendUnique(c.DangerousPermissions, other.DangerousPermissions)
	c.DangerousApps = append(c.DangerousApps, other.DangerousApps...)
	c.HookArtifacts = appendUnique(c.HookArtifacts, other.HookArtifacts)
	c.BenignLocationKeywords = appendUnique(c.BenignLocationKeywords, other.BenignLocationKeywords)
	c.SuspiciousFilePatterns = append(c.SuspiciousFilePatterns, other.SuspiciousFilePatterns...)
	c.TrustedDNSServers = appendUnique(c.TrustedDNSServers, other.TrustedDNSServers)
}

func appendUnique(dst, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range src {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}

// MatchPackage 包名匹配（精确或前缀），返回第一条命中规则
func (c *Corpus) MatchPackage(packageID string) (PackageRule, bool) {
	for _, rule := range c.KnownBadPackages {
		if rule.Prefix {
			if packageID == rule.ID || strings.HasPrefix(packageID, rule.ID+".") {
				return rule, true
			}
			continue
		}
		if packageID == rule.ID {
			return rule, true
		}
	}
	return PackageRule{}, false
}

// MatchHash 哈希前缀匹配（不区分大小写）
func (c *Corpus) MatchHash(hash string) (HashRule, bool) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if len(hash) < MinHashPrefixLen {
		return HashRule{}, false
	}
	for _, rule := range c.HashPrefixes {
		if strings.HasPrefix(hash, rule.Prefix) {
			return rule, true
		}
	}
	return HashRule{}, false
}

// MatchName 展示名称正则匹配
func (c *Corpus) MatchName(name string) (NameRule, bool) {
	return matchNameRules(c.NamePatterns, name)
}

// MatchSuspiciousFile 文件名匹配可疑文件规则
func (c *Corpus) MatchSuspiciousFile(path string) (NameRule, bool) {
	return matchNameRules(c.SuspiciousFilePatterns, path)
}

func matchNameRules(rules []NameRule, s string) (NameRule, bool) {
	if s == "" {
		return NameRule{}, false
	}
	for _, rule := range rules {
		if rule.re != nil && rule.re.MatchString(s) {
			return rule, true
		}
	}
	return NameRule{}, false
}

// MatchCombo 权限集合包含某个模板的全部权限时命中，按声明顺序取第一个
func (c *Corpus) MatchCombo(perms domain.PermissionSet) (PermissionCombo, bool) {
	for _, combo := range c.PermissionCombos {
		if perms.HasAll(combo.Permissions...) {
			return combo, true
		}
	}
	return PermissionCombo{}, false
}

// IsDangerousPermission 是否为单项危险权限
func (c *Corpus) IsDangerousPermission(perm string) bool {
	_, ok := c.dangerousPerms[domain.CanonicalPermission(perm)]
	return ok
}

// DangerousPermissionCount 持有的危险权限数量
func (c *Corpus) DangerousPermissionCount(perms domain.PermissionSet) int {
	count := 0
	for p := range perms {
		if _, ok := c.dangerousPerms[p]; ok {
			count++
		}
	}
	return count
}

// LookupDangerousApp 是否为 root/hook 管理类应用
func (c *Corpus) LookupDangerousApp(packageID string) (DangerousApp, bool) {
	app, ok := c.dangerousApps[packageID]
	return app, ok
}

// IsBenignLocationApp 名称或包名包含合理定位需求的关键字
func (c *Corpus) IsBenignLocationApp(app domain.AppRecord) bool {
	name := strings.ToLower(app.DisplayName)
	pkg := strings.ToLower(app.PackageID)
	for _, kw := range c.BenignLocationKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(name, kw) || strings.Contains(pkg, kw) {
			return true
		}
	}
	return false
}

// IsTrustedDNS 是否为公认的公共 DNS
func (c *Corpus) IsTrustedDNS(ip string) bool {
	for _, trusted := range c.TrustedDNSServers {
		if trusted == ip {
			return true
		}
	}
	return false
}

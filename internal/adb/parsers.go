package adb

import (
	"bufio"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/network"
)

// PackageInfo dumpsys package 中的单个应用
type PackageInfo struct {
	PackageID   string
	CodePath    string
	System      bool
	Permissions []string // 已授予
}

var (
	packageHeaderRe = regexp.MustCompile(`^\s*Package \[([^\]]+)\]`)
	grantedRe       = regexp.MustCompile(`^([A-Za-z0-9_.]+): granted=(true|false)`)
)

// ParsePackageDump 解析 dumpsys package packages，只读取 "Packages:" 段
func ParsePackageDump(out string) []PackageInfo {
	var (
		result  []PackageInfo
		current *PackageInfo
		inList  bool
	)
	flush := func() {
		if current != nil {
			sort.Strings(current.Permissions)
			result = append(result, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		// 顶层段落标题
		if line == trimmed {
			flush()
			inList = trimmed == "Packages:"
			continue
		}
		if !inList {
			continue
		}

		if m := packageHeaderRe.FindStringSubmatch(line); m != nil {
			flush()
			current = &PackageInfo{PackageID: m[1]}
			continue
		}
		if current == nil {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "codePath="):
			current.CodePath = strings.TrimPrefix(trimmed, "codePath=")
		case strings.HasPrefix(trimmed, "pkgFlags=") || strings.HasPrefix(trimmed, "flags="):
			if hasFlag(trimmed, "SYSTEM") {
				current.System = true
			}
		default:
			if m := grantedRe.FindStringSubmatch(trimmed); m != nil && m[2] == "true" {
				perm := domain.CanonicalPermission(m[1])
				if !containsString(current.Permissions, perm) {
					current.Permissions = append(current.Permissions, perm)
				}
			}
		}
	}
	flush()
	return result
}

func hasFlag(line, flag string) bool {
	start := strings.Index(line, "[")
	end := strings.LastIndex(line, "]")
	if start < 0 || end <= start {
		return false
	}
	for _, f := range strings.Fields(line[start+1 : end]) {
		if f == flag {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ParsePackageList 解析 pm list packages 输出
func ParsePackageList(out string) []string {
	var pkgs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "package:") {
			continue
		}
		pkg := strings.TrimPrefix(line, "package:")
		// -f 输出为 path=pkg
		if idx := strings.LastIndex(pkg, "="); idx >= 0 {
			pkg = pkg[idx+1:]
		}
		if fields := strings.Fields(pkg); len(fields) > 0 {
			pkgs = append(pkgs, fields[0])
		}
	}
	return pkgs
}

// ParseComponentPackages 解析以冒号分隔的组件列表（如已启用的无障碍服务），返回去重后的包名
func ParseComponentPackages(value string) []string {
	value = normalizeSetting(value)
	if value == "" {
		return nil
	}
	var pkgs []string
	for _, component := range strings.Split(value, ":") {
		component = strings.TrimSpace(component)
		if component == "" {
			continue
		}
		pkg, _, _ := strings.Cut(component, "/")
		if pkg != "" && !containsString(pkgs, pkg) {
			pkgs = append(pkgs, pkg)
		}
	}
	return pkgs
}

var (
	componentInfoRe = regexp.MustCompile(`ComponentInfo\{([A-Za-z0-9_.]+)/`)
	adminEntryRe    = regexp.MustCompile(`^([A-Za-z0-9_.]+)/[A-Za-z0-9_.$]+:?$`)
)

// ParseDeviceAdmins 解析 dumpsys device_policy 中的已启用设备管理器
func ParseDeviceAdmins(out string) []string {
	var (
		pkgs    []string
		inAdmin bool
	)
	add := func(pkg string) {
		if !containsString(pkgs, pkg) {
			pkgs = append(pkgs, pkg)
		}
	}

	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Enabled Device Admins") {
			inAdmin = true
			continue
		}
		if inAdmin {
			if m := adminEntryRe.FindStringSubmatch(trimmed); m != nil {
				add(m[1])
				continue
			}
		}
		if m := componentInfoRe.FindStringSubmatch(trimmed); m != nil && inAdmin {
			add(m[1])
		}
		// 未缩进的行意味着离开设备管理器段
		if trimmed != "" && line == trimmed && !strings.HasPrefix(trimmed, "Enabled Device Admins") {
			inAdmin = false
		}
	}
	return pkgs
}

// ParseAppOpsAllowed appops get 输出中该 op 是否为 allow
func ParseAppOpsAllowed(out, op string) bool {
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, op+":") {
			continue
		}
		mode := strings.TrimSpace(strings.TrimPrefix(trimmed, op+":"))
		mode, _, _ = strings.Cut(mode, ";")
		return strings.TrimSpace(mode) == "allow"
	}
	return false
}

// ParseDeviceIdleWhitelist 解析 dumpsys deviceidle whitelist，格式为 type,package,uid
func ParseDeviceIdleWhitelist(out string) map[string]bool {
	pkgs := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(strings.TrimSpace(line), ",")
		if len(parts) < 2 {
			continue
		}
		// 系统内置的 idle 豁免不算用户授予
		if parts[0] == "system-excidle" {
			continue
		}
		pkgs[parts[1]] = true
	}
	return pkgs
}

// ParseExistingPaths 解析逐行打印的存在路径
func ParseExistingPaths(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "/") {
			paths = append(paths, line)
		}
	}
	return paths
}

// ParseStatListing 解析 stat -c '%s %n' 输出
func ParseStatListing(out string) []domain.FileEntry {
	var entries []domain.FileEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		sizeStr, path, ok := strings.Cut(line, " ")
		if !ok || !strings.HasPrefix(path, "/") {
			continue
		}
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, domain.FileEntry{Path: path, Size: size})
	}
	return entries
}

// ParseSHA256Sum 解析 sha256sum 输出：路径 → 小写十六进制摘要
func ParseSHA256Sum(out string) map[string]string {
	sums := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		sum := strings.ToLower(fields[0])
		if len(sum) != 64 {
			continue
		}
		if _, err := hex.DecodeString(sum); err != nil {
			continue
		}
		path := strings.Join(fields[1:], " ")
		sums[path] = sum
	}
	return sums
}

// ParseMountsWritable /proc/mounts 中 /system 是否以 rw 挂载，返回命中的行
func ParseMountsWritable(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if fields[1] != "/system" && fields[1] != "/system_root" {
			continue
		}
		opts := strings.Split(fields[3], ",")
		if len(opts) > 0 && opts[0] == "rw" {
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}

// tcpListen /proc/net/tcp 中 LISTEN 状态
const tcpListen = "0A"

// ParseListenPorts 解析 /proc/net/tcp 与 tcp6 的监听端口
func ParseListenPorts(out string) map[int]bool {
	ports := make(map[int]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] == "sl" {
			continue
		}
		if fields[3] != tcpListen {
			continue
		}
		_, portHex, ok := strings.Cut(fields[1], ":")
		if !ok {
			continue
		}
		port, err := strconv.ParseUint(portHex, 16, 16)
		if err != nil {
			continue
		}
		ports[int(port)] = true
	}
	return ports
}

// ParseActiveInterfaces 解析 ip -o addr show，返回有地址的非回环网卡
func ParseActiveInterfaces(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		name, _, _ = strings.Cut(name, "@")
		if name == "lo" || (fields[2] != "inet" && fields[2] != "inet6") {
			continue
		}
		if !containsString(names, name) {
			names = append(names, name)
		}
	}
	return names
}

// ParseConnectionInfo 由网卡列表推断连接类型
func ParseConnectionInfo(ipAddrOutput string) domain.ConnectionInfo {
	return network.ClassifyInterfaces(ParseActiveInterfaces(ipAddrOutput))
}

var (
	wifiSSIDRe     = regexp.MustCompile(`SSID: "([^"]*)"`)
	wifiSecTypeRe  = regexp.MustCompile(`[Ss]ecurity type: (\d+)`)
	wifiCapsRe     = regexp.MustCompile(`\[(WPA3|SAE|WPA2|RSN|WPA|WEP|OWE|EAP)[^\]]*\]`)
	dnsAddressesRe = regexp.MustCompile(`DnsAddresses: \[([^\]]*)\]`)
	captivePortal  = regexp.MustCompile(`Capabilities:[^\n]*CAPTIVE_PORTAL`)
)

// wifiSecurityTypes WifiInfo.getCurrentSecurityType 取值
var wifiSecurityTypes = map[int]domain.EncryptionType{
	0:  domain.EncryptionOpen,
	1:  domain.EncryptionWEP,
	2:  domain.EncryptionWPA2,
	3:  domain.EncryptionEAP,
	4:  domain.EncryptionWPA3,
	5:  domain.EncryptionEAP,
	6:  domain.EncryptionOWE,
	9:  domain.EncryptionEAP,
	11: domain.EncryptionWPA2,
}

// ParseWiFiStatus 解析 cmd wifi status；未连接时返回 nil
func ParseWiFiStatus(out string) *domain.WiFiSecurity {
	if strings.Contains(out, "not connected") || strings.Contains(out, "Wifi is disabled") {
		return nil
	}
	m := wifiSSIDRe.FindStringSubmatch(out)
	if m == nil {
		return nil
	}

	enc := domain.EncryptionUnknown
	if t := wifiSecTypeRe.FindStringSubmatch(out); t != nil {
		n, _ := strconv.Atoi(t[1])
		if v, ok := wifiSecurityTypes[n]; ok {
			enc = v
		}
	} else if c := wifiCapsRe.FindStringSubmatch(out); c != nil {
		enc = capabilityEncryption(c[1])
	}

	return &domain.WiFiSecurity{
		SSID:           m[1],
		EncryptionType: enc,
		IsSecure:       enc != domain.EncryptionOpen && enc != domain.EncryptionWEP,
	}
}

func capabilityEncryption(token string) domain.EncryptionType {
	switch token {
	case "WPA3", "SAE":
		return domain.EncryptionWPA3
	case "WPA2", "RSN":
		return domain.EncryptionWPA2
	case "WPA":
		return domain.EncryptionWPA
	case "WEP":
		return domain.EncryptionWEP
	case "OWE":
		return domain.EncryptionOWE
	case "EAP":
		return domain.EncryptionEAP
	}
	return domain.EncryptionUnknown
}

// ParseProxySetting 解析 settings get global http_proxy
func ParseProxySetting(value string) *domain.ProxyConfig {
	value = normalizeSetting(value)
	if value == "" || value == ":0" {
		return nil
	}
	return network.ParseProxyURL(value)
}

// ParseDNSAddresses 从 dumpsys connectivity 中提取默认网络的 DNS
func ParseDNSAddresses(out string) []string {
	m := dnsAddressesRe.FindStringSubmatch(out)
	if m == nil {
		return nil
	}
	var servers []string
	for _, addr := range strings.Split(m[1], ",") {
		addr = strings.TrimPrefix(strings.TrimSpace(addr), "/")
		if addr != "" && !containsString(servers, addr) {
			servers = append(servers, addr)
		}
	}
	return servers
}

// ParseCaptivePortal 默认网络是否带 CAPTIVE_PORTAL 能力
func ParseCaptivePortal(out string) bool {
	return captivePortal.MatchString(out)
}

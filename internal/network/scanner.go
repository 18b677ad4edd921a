package network

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/provider"
	"github.com/apk-analysis/device-posture-go/internal/signature"
)

// ADBPort ADB over network 端口
const ADBPort = 5555

// 各类别的分值与上限
const (
	proxyPoints   = 15
	proxyCap      = 15
	portPoints    = 30
	portCap       = 60
	adbPoints     = 35
	adbCap        = 35
	openWiFi      = 25
	weakWiFi      = 20
	wifiCap       = 25
	dnsPoints     = 5
	dnsCap        = 10
	captivePoints = 5
	captiveCap    = 5
)

// DefaultProbePorts 默认探测的本地端口
var DefaultProbePorts = []int{21, 22, 23, 80, 443, 1080, 3389, 4444, 5037, 5555, 5900, 8080, 8888, 27042, 27043}

// DefaultDangerousPorts 默认危险端口子集：远程登录、远程桌面、调试桥、常见后门和 Frida
var DefaultDangerousPorts = []int{21, 22, 23, 3389, 4444, 5555, 5900, 27042, 27043}

// Options 扫描参数
type Options struct {
	ProbePorts     []int
	DangerousPorts []int
	ProbeTimeout   time.Duration // 单个端口连接超时
	Concurrency    int
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		ProbePorts:     DefaultProbePorts,
		DangerousPorts: DefaultDangerousPorts,
		ProbeTimeout:   50 * time.Millisecond,
		Concurrency:    8,
	}
}

// Scanner 网络态势扫描器
type Scanner struct {
	probes provider.NetworkProbeProvider
	opts   Options
	logger *logrus.Logger
}

// NewScanner 创建网络态势扫描器
func NewScanner(probes provider.NetworkProbeProvider, opts Options, logger *logrus.Logger) *Scanner {
	defaults := DefaultOptions()
	if len(opts.ProbePorts) == 0 {
		opts.ProbePorts = defaults.ProbePorts
	}
	if opts.DangerousPorts == nil {
		opts.DangerousPorts = defaults.DangerousPorts
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaults.ProbeTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaults.Concurrency
	}
	return &Scanner{
		probes: probes,
		opts:   opts,
		logger: logger,
	}
}

// Scan 采集网络状态并评分。单项探测失败按阴性处理
func (s *Scanner) Scan(ctx context.Context, corpus *signature.Corpus, progress domain.ProgressFunc) (*domain.PhaseResult, error) {
	summary := &domain.NetworkSummary{
		ProbedPorts: slices.Clone(s.opts.ProbePorts),
		OpenPorts:   []int{},
		DNSServers:  []string{},
	}
	result := &domain.PhaseResult{
		Phase:    domain.PhaseNetworkPosture,
		Findings: []domain.Finding{},
		Network:  summary,
	}
	items := 0
	step := func(label string) {
		items++
		if progress != nil {
			progress(label, items)
		}
	}

	info, err := s.probes.ConnectionInfo(ctx)
	if err != nil {
		s.debug("connection", err)
		info = domain.ConnectionInfo{Type: domain.ConnectionUnknown}
	}
	summary.Connection = info
	step("connection")

	if proxy, err := s.probes.CurrentProxyConfig(ctx); err != nil {
		s.debug("proxy", err)
	} else if proxy != nil && proxy.Host != "" {
		summary.Proxy = proxy
	}
	step("proxy")

	if info.Type == domain.ConnectionWiFi {
		if wifi, err := s.probes.CurrentWiFiSecurity(ctx); err != nil {
			s.debug("wifi", err)
		} else {
			summary.WiFi = wifi
		}
	}
	step("wifi")

	open, err := s.probePorts(ctx)
	if err != nil {
		return nil, err
	}
	summary.OpenPorts = open
	step("ports")

	if servers, err := s.probes.DNSServers(ctx); err != nil {
		s.debug("dns", err)
	} else if servers != nil {
		summary.DNSServers = servers
	}
	step("dns")

	if info.Connected() {
		if captive, err := s.probes.CaptivePortalCheck(ctx); err != nil {
			s.debug("captive_portal", err)
		} else {
			summary.CaptivePortal = captive
		}
	}
	step("captive_portal")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Findings = s.score(corpus, summary)
	result.ItemsProcessed = items
	result.SubScore = domain.SumWeights(result.Findings)
	result.Succeeded = true
	return result, nil
}

// probePorts 并发探测端口，结果按端口列表顺序返回
func (s *Scanner) probePorts(ctx context.Context) ([]int, error) {
	ports := s.opts.ProbePorts
	openFlags := make([]bool, len(ports))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, port := range ports {
		i, port := i, port
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			openFlags[i] = s.probes.TryConnectLocal(gctx, port, s.opts.ProbeTimeout)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	open := []int{}
	for i, port := range ports {
		if openFlags[i] {
			open = append(open, port)
		}
	}
	return open, nil
}

// score 按类别累加分值，每个类别独立封顶
func (s *Scanner) score(corpus *signature.Corpus, summary *domain.NetworkSummary) []domain.Finding {
	findings := []domain.Finding{}
	phase := domain.PhaseNetworkPosture

	if summary.Proxy != nil {
		subject := fmt.Sprintf("%s:%d", summary.Proxy.Host, summary.Proxy.Port)
		findings = append(findings, domain.NewFinding(phase, domain.KindProxyConfigured, subject,
			"System HTTP proxy is configured; traffic may be intercepted", domain.SeverityMedium, min(proxyPoints, proxyCap)))
	}

	ports := &budget{limit: portCap}
	adb := &budget{limit: adbCap}
	for _, port := range summary.OpenPorts {
		subject := strconv.Itoa(port)
		if slices.Contains(s.opts.DangerousPorts, port) {
			findings = append(findings, ports.take(domain.NewFinding(phase, domain.KindDangerousPort, subject,
				fmt.Sprintf("Dangerous local port %d is listening", port), domain.SeverityCritical, portPoints)))
		}
		// 与危险端口同时计分
		if port == ADBPort {
			findings = append(findings, adb.take(domain.NewFinding(phase, domain.KindADBOverNetwork, subject,
				"ADB over network is enabled; the device accepts remote debugging connections", domain.SeverityCritical, adbPoints)))
		}
	}

	if summary.Connection.Type == domain.ConnectionWiFi && summary.WiFi != nil {
		wifi := summary.WiFi
		switch {
		case wifi.EncryptionType == domain.EncryptionOpen:
			findings = append(findings, domain.NewFinding(phase, domain.KindInsecureWiFi, wifi.SSID,
				"Connected WiFi network is open (no encryption)", domain.SeverityHigh, min(openWiFi, wifiCap)))
		case wifi.EncryptionType == domain.EncryptionWEP || !wifi.IsSecure:
			findings = append(findings, domain.NewFinding(phase, domain.KindInsecureWiFi, wifi.SSID,
				fmt.Sprintf("Connected WiFi network uses weak security (%s)", wifi.EncryptionType), domain.SeverityHigh, min(weakWiFi, wifiCap)))
		}
	}

	dns := &budget{limit: dnsCap}
	for _, server := range summary.DNSServers {
		if trustedResolver(corpus, server) {
			continue
		}
		findings = append(findings, dns.take(domain.NewFinding(phase, domain.KindUntrustedDNS, server,
			fmt.Sprintf("DNS resolver %s is not a recognised public or private resolver", server), domain.SeverityLow, dnsPoints)))
	}

	// 公共网络上很常见，只作提示
	if summary.CaptivePortal {
		findings = append(findings, domain.NewFinding(phase, domain.KindCaptivePortal, "",
			"Captive portal detected on the current network", domain.SeverityLow, min(captivePoints, captiveCap)))
	}

	return findings
}

// trustedResolver 公共 DNS 白名单或私有/回环地址
func trustedResolver(corpus *signature.Corpus, server string) bool {
	addr, err := netip.ParseAddr(server)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
		return true
	}
	return corpus.IsTrustedDNS(addr.String())
}

func (s *Scanner) debug(probe string, err error) {
	s.logger.WithFields(logrus.Fields{
		"probe": probe,
		"error": err,
	}).Debug("Network probe failed, treating as negative")
}

// budget 类别分值上限；额度用尽后发现项仍保留，权重记为 0
type budget struct {
	limit int
	used  int
}

func (b *budget) take(f domain.Finding) domain.Finding {
	f.Weight = max(0, min(f.Weight, b.limit-b.used))
	b.used += f.Weight
	return f
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/apk-analysis/device-posture-go/internal/config"
	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/scan"
	"github.com/apk-analysis/device-posture-go/internal/signature"
	"github.com/apk-analysis/device-posture-go/internal/source"
)

// 单次扫描：报告以 JSON 输出到 stdout，日志输出到 stderr。
// 退出码 0 = SECURE/LOW/MEDIUM，2 = HIGH/CRITICAL，1 = 运行失败
func main() {
	configPath := flag.String("config", "", "config file path (defaults only when empty)")
	snapshotPath := flag.String("snapshot", "", "scan a YAML device snapshot instead of a live device")
	target := flag.String("target", "", "adb serial or host:port")
	depth := flag.String("depth", "", "QUICK or FULL")
	signatures := flag.String("signatures", "", "extra signature YAML file")
	noFS := flag.Bool("no-filesystem", false, "skip the file system phase")
	flag.Parse()

	level, err := run(*configPath, *snapshotPath, *target, *depth, *signatures, !*noFS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}
	if level == domain.RiskLevelHigh || level == domain.RiskLevelCritical {
		os.Exit(2)
	}
}

func run(configPath, snapshotPath, target, depthFlag, signaturesPath string, allowFS bool) (domain.RiskLevel, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if snapshotPath != "" {
		cfg.Scan.Source = config.SourceSnapshot
		cfg.Scan.SnapshotPath = snapshotPath
	}
	if target != "" {
		cfg.ADB.Target = target
	}
	if signaturesPath != "" {
		cfg.Signatures.Path = signaturesPath
	}
	if depthFlag == "" {
		depthFlag = cfg.Scan.DefaultDepth
	}
	depth, err := domain.ParseScanDepth(depthFlag)
	if err != nil {
		return "", err
	}

	logger := config.NewLogger(&cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	store, err := signature.NewStore(fs, logger)
	if err != nil {
		return "", err
	}
	if cfg.Signatures.Path != "" {
		if err := store.Reload(cfg.Signatures.Path); err != nil {
			return "", fmt.Errorf("load signatures: %w", err)
		}
	}

	src, err := source.Build(cfg, fs, logger)
	if err != nil {
		return "", err
	}
	if src.Client != nil {
		if err := src.Client.Connect(ctx); err != nil {
			return "", fmt.Errorf("connect device: %w", err)
		}
	}

	orchestrator := scan.NewOrchestrator(src.Providers, store, logger,
		scan.WithNetworkOptions(cfg.Scan.NetworkOptions()),
	)
	report, err := orchestrator.RunSync(ctx, domain.ScanConfig{
		ScanID:       uuid.New().String(),
		Depth:        depth,
		Capabilities: domain.Capabilities{FileSystem: allowFS && src.FileSystem},
	})
	if err != nil {
		return "", err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return "", err
	}
	return report.OverallLevel, nil
}

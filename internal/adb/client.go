package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/retry"
)

// Executor 执行 adb 可执行文件，测试时替换为假实现
type Executor interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Options 客户端参数
type Options struct {
	Path    string        // adb 可执行文件，默认 "adb"
	Target  string        // 设备序列号或 host:port，为空时使用唯一连接的设备
	Timeout time.Duration // 单条命令超时，默认 15 秒
}

// Client ADB 客户端
type Client struct {
	path    string
	target  string
	timeout time.Duration
	exec    Executor
	policy  retry.Policy
	logger  *logrus.Logger
	connMgr *ConnectionManager
}

// NewClient 创建 ADB 客户端；exec 为空时使用 os/exec
func NewClient(opts Options, exec Executor, logger *logrus.Logger) *Client {
	if opts.Path == "" {
		opts.Path = "adb"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if exec == nil {
		exec = execRunner{}
	}
	c := &Client{
		path:    opts.Path,
		target:  opts.Target,
		timeout: opts.Timeout,
		exec:    exec,
		policy:  retry.DefaultPolicy(logger),
		logger:  logger,
	}
	c.connMgr = NewConnectionManager(c, logger)
	return c
}

// Target 设备标识
func (c *Client) Target() string {
	return c.target
}

// Connect 连接设备（网络设备执行 adb connect）
func (c *Client) Connect(ctx context.Context) error {
	return c.connMgr.Connect(ctx, c.target)
}

// Disconnect 断开设备
func (c *Client) Disconnect(ctx context.Context) error {
	return c.connMgr.Disconnect(ctx, c.target)
}

// IsConnected 设备是否处于 device 状态
func (c *Client) IsConnected(ctx context.Context) bool {
	return c.connMgr.IsConnected(ctx, c.target)
}

// ConnectionManager 连接管理器
func (c *Client) ConnectionManager() *ConnectionManager {
	return c.connMgr
}

// adb 直接调用 adb 可执行文件（不带 -s）
func (c *Client) adb(ctx context.Context, args ...string) (string, error) {
	out, err := c.exec.Run(ctx, c.path, args...)
	return string(out), err
}

func (c *Client) deviceArgs(args ...string) []string {
	if c.target == "" {
		return args
	}
	return append([]string{"-s", c.target}, args...)
}

// Shell 在设备上执行 shell 命令；设备离线等瞬时错误会重试
func (c *Client) Shell(ctx context.Context, command string) (string, error) {
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (string, error) {
		return c.shellOnce(ctx, command)
	})
}

func (c *Client) shellOnce(ctx context.Context, command string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.exec.Run(cmdCtx, c.path, c.deviceArgs("shell", command)...)
	if err == nil {
		return string(out), nil
	}

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("adb shell %q: %w", command, domain.ErrProviderTimeout)
	}

	wrapped := fmt.Errorf("adb shell %q failed: %w, output: %s", command, err, strings.TrimSpace(string(out)))
	if isTransient(out, err) {
		c.logger.WithFields(logrus.Fields{
			"target":  c.target,
			"command": command,
		}).Debug("Transient adb failure")
		return "", retry.Transient(wrapped)
	}
	return "", wrapped
}

// isTransient 设备断开、adb server 重启等可重试的失败
func isTransient(out []byte, err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, marker := range [][]byte{
		[]byte("device offline"),
		[]byte("no devices/emulators found"),
		[]byte("device still authorizing"),
		[]byte("protocol fault"),
		[]byte("closed"),
	} {
		if bytes.Contains(out, marker) {
			return true
		}
	}
	return false
}

// GetProp 读取系统属性
func (c *Client) GetProp(ctx context.Context, key string) (string, error) {
	out, err := c.Shell(ctx, "getprop "+key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Setting 读取 settings 值，未设置时返回空字符串
func (c *Client) Setting(ctx context.Context, namespace, key string) (string, error) {
	out, err := c.Shell(ctx, fmt.Sprintf("settings get %s %s", namespace, key))
	if err != nil {
		return "", err
	}
	return normalizeSetting(out), nil
}

func normalizeSetting(out string) string {
	v := strings.TrimSpace(out)
	if v == "null" {
		return ""
	}
	return v
}

// shellQuote 单引号转义
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

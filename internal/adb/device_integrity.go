package adb

import (
	"context"
	"strings"

	"github.com/apk-analysis/device-posture-go/internal/provider"
)

// suPaths 常见 su 安装位置
var suPaths = []string{
	"/system/bin/su",
	"/system/xbin/su",
	"/sbin/su",
	"/su/bin/su",
	"/system/sd/xbin/su",
	"/data/local/su",
	"/data/local/bin/su",
	"/data/local/xbin/su",
	"/debug_ramdisk/su",
}

// existing 返回设备上存在的路径
func (d *Device) existing(ctx context.Context, paths []string, extra string) ([]string, error) {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuote(p)
	}
	cmd := `for p in ` + strings.Join(quoted, " ") + `; do [ -e "$p" ] && echo "$p"; done` + extra + `; true`
	out, err := d.client.Shell(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ParseExistingPaths(out), nil
}

func pathsProbe(found []string, err error) provider.ProbeResult {
	if err != nil {
		return provider.FromError(err)
	}
	if len(found) == 0 {
		return provider.NotDetected()
	}
	return provider.Detected(strings.Join(found, ", "))
}

func (d *Device) SuBinary(ctx context.Context) provider.ProbeResult {
	return pathsProbe(d.existing(ctx, suPaths, "; command -v su 2>/dev/null"))
}

func (d *Device) HookFramework(ctx context.Context, artifacts []string) provider.ProbeResult {
	if len(artifacts) == 0 {
		return provider.NotDetected()
	}
	return pathsProbe(d.existing(ctx, artifacts, ""))
}

func (d *Device) BootloaderUnlocked(ctx context.Context) provider.ProbeResult {
	state, err := d.client.GetProp(ctx, "ro.boot.verifiedbootstate")
	if err != nil {
		return provider.FromError(err)
	}
	locked, err := d.client.GetProp(ctx, "ro.boot.flash.locked")
	if err != nil {
		return provider.FromError(err)
	}
	return EvaluateBootloader(state, locked)
}

// EvaluateBootloader orange 表示已解锁；两个属性都缺失时无法判断
func EvaluateBootloader(verifiedBootState, flashLocked string) provider.ProbeResult {
	switch {
	case verifiedBootState == "orange":
		return provider.Detected("ro.boot.verifiedbootstate=orange")
	case flashLocked == "0":
		return provider.Detected("ro.boot.flash.locked=0")
	case verifiedBootState == "" && flashLocked == "":
		return provider.Unavailable(nil)
	}
	return provider.NotDetected()
}

func (d *Device) SELinuxPermissive(ctx context.Context) provider.ProbeResult {
	out, err := d.client.Shell(ctx, "getenforce")
	if err != nil {
		return provider.FromError(err)
	}
	return EvaluateSELinux(out)
}

// EvaluateSELinux 解析 getenforce 输出
func EvaluateSELinux(out string) provider.ProbeResult {
	switch mode := strings.TrimSpace(out); mode {
	case "Enforcing":
		return provider.NotDetected()
	case "Permissive", "Disabled":
		return provider.Detected("SELinux " + mode)
	default:
		return provider.Unavailable(nil)
	}
}

func (d *Device) SystemWritable(ctx context.Context) provider.ProbeResult {
	out, err := d.client.Shell(ctx, "cat /proc/mounts")
	if err != nil {
		return provider.FromError(err)
	}
	if line, ok := ParseMountsWritable(out); ok {
		return provider.Detected(line)
	}
	return provider.NotDetected()
}

func (d *Device) TestKeysBuild(ctx context.Context) provider.ProbeResult {
	tags, err := d.client.GetProp(ctx, "ro.build.tags")
	if err != nil {
		return provider.FromError(err)
	}
	if strings.Contains(tags, "test-keys") {
		return provider.Detected("ro.build.tags=" + tags)
	}
	return provider.NotDetected()
}

func (d *Device) DebuggableBuild(ctx context.Context) provider.ProbeResult {
	v, err := d.client.GetProp(ctx, "ro.debuggable")
	if err != nil {
		return provider.FromError(err)
	}
	if v == "1" {
		return provider.Detected("ro.debuggable=1")
	}
	return provider.NotDetected()
}

func (d *Device) USBDebugging(ctx context.Context) provider.ProbeResult {
	v, err := d.client.Setting(ctx, "global", "adb_enabled")
	if err != nil {
		return provider.FromError(err)
	}
	if v == "1" {
		return provider.Detected("adb_enabled=1")
	}
	return provider.NotDetected()
}

package service

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dshills/warden/internal/permission"
)

// InfoFunc returns the host facts exposed to plugins.
type InfoFunc func(ctx context.Context) (map[string]any, error)

// System exposes coarse host facts. Hostnames, users and addresses are
// never included.
//
//	info()  system.info
type System struct {
	info InfoFunc
}

// NewSystem creates the system service. A nil info uses HostInfo.
func NewSystem(info InfoFunc) *System {
	if info == nil {
		info = HostInfo
	}
	return &System{info: info}
}

// Name implements Service.
func (s *System) Name() string { return "system" }

// Methods implements Service.
func (s *System) Methods() map[string]Method {
	return map[string]Method{
		"info": {
			Kind:   permission.SystemInfo,
			Params: []string{},
			Call: func(ctx context.Context, _ Caller, _ Args) (any, error) {
				return s.info(ctx)
			},
		},
	}
}

// HostInfo reads host facts with gopsutil.
func HostInfo(ctx context.Context) (map[string]any, error) {
	out := map[string]any{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["memoryTotal"] = float64(vm.Total)
		out["memoryAvailable"] = float64(vm.Available)
		out["memoryUsedPercent"] = vm.UsedPercent
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		out["cpus"] = float64(n)
	}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		out["platform"] = hi.Platform
		out["platformVersion"] = hi.PlatformVersion
		out["uptime"] = float64(hi.Uptime)
	}
	return out, nil
}

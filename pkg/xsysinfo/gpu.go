// Package xsysinfo reads GPU and system memory information from the host.
package xsysinfo

import (
	"bytes"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"
)

// GPUSnapshot is a point-in-time view of the first GPU. Recomputed on
// every call, never cached: free VRAM changes with every load/unload.
type GPUSnapshot struct {
	Available     bool    `json:"available"`
	Name          string  `json:"name,omitempty"`
	TotalVRAMGB   float64 `json:"total_vram_gb,omitempty"`
	FreeVRAMGB    float64 `json:"free_vram_gb,omitempty"`
	DriverVersion string  `json:"driver_version,omitempty"`
}

const bytesPerGB = 1024 * 1024 * 1024

// HasGPU reports whether any discrete GPU is present.
func HasGPU() bool {
	gpu, err := ghw.GPU()
	if err != nil {
		log.Debug().Err(err).Msg("GPU discovery failed")
		return false
	}
	return len(gpu.GraphicsCards) > 0
}

// Snapshot queries the current GPU state. Memory figures come from
// nvidia-smi when available; devices with unified memory fall back to
// system RAM.
func Snapshot() GPUSnapshot {
	gpu, err := ghw.GPU()
	if err != nil || len(gpu.GraphicsCards) == 0 {
		return GPUSnapshot{Available: false}
	}

	snap := GPUSnapshot{Available: true}
	if card := gpu.GraphicsCards[0]; card.DeviceInfo != nil && card.DeviceInfo.Product != nil {
		snap.Name = card.DeviceInfo.Product.Name
	}

	if total, free, driver, ok := nvidiaMemory(); ok {
		snap.TotalVRAMGB = float64(total) / bytesPerGB
		snap.FreeVRAMGB = float64(free) / bytesPerGB
		snap.DriverVersion = driver
		return snap
	}

	// No vendor tool: report system RAM so callers still get an order of
	// magnitude for unified-memory devices.
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.TotalVRAMGB = float64(vm.Total) / bytesPerGB
		snap.FreeVRAMGB = float64(vm.Available) / bytesPerGB
	}
	return snap
}

// nvidiaMemory shells out to nvidia-smi for VRAM totals and the driver
// version. Returns ok=false when the tool is absent or unparsable.
func nvidiaMemory() (total, free uint64, driver string, ok bool) {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return 0, 0, "", false
	}

	cmd := exec.Command("nvidia-smi",
		"--query-gpu=memory.total,memory.free,driver_version",
		"--format=csv,noheader,nounits")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Debug().Err(err).Str("stderr", stderr.String()).Msg("nvidia-smi failed")
		return 0, 0, "", false
	}

	line := strings.TrimSpace(strings.Split(stdout.String(), "\n")[0])
	parts := strings.Split(line, ", ")
	if len(parts) < 3 {
		return 0, 0, "", false
	}

	totalMiB, err1 := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	freeMiB, err2 := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, "", false
	}

	return totalMiB * 1024 * 1024, freeMiB * 1024 * 1024, strings.TrimSpace(parts[2]), true
}

package memory

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// ErrUnsupportedDevice is returned for device names this build cannot drive.
var ErrUnsupportedDevice = errors.New("unsupported device")

// DeviceType identifies the kind of compute device.
type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// Device is the compute device a run executes on. It owns the buffer
// cache that the model draws activations from.
type Device struct {
	Type          DeviceType
	Name          string
	PhysicalCores int
	LogicalCores  int
	Features      []string

	manager *Manager
}

// SelectDevice resolves a configured device name. "auto" and "cpu" map to
// the host CPU; accelerator names are rejected.
func SelectDevice(name string) (*Device, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "cpu":
	default:
		return nil, errors.Wrapf(ErrUnsupportedDevice, "%q", name)
	}

	physical := cpuid.CPU.PhysicalCores
	if physical <= 0 {
		physical = runtime.NumCPU()
	}
	logical := cpuid.CPU.LogicalCores
	if logical <= 0 {
		logical = runtime.NumCPU()
	}
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}

	var features []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.SSE4, "sse4"},
		{cpuid.AVX, "avx"},
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
	} {
		if cpuid.CPU.Supports(f.id) {
			features = append(features, f.name)
		}
	}

	return &Device{
		Type:          CPU,
		Name:          brand,
		PhysicalCores: physical,
		LogicalCores:  logical,
		Features:      features,
		manager:       NewManager(0),
	}, nil
}

// Manager returns the device buffer cache.
func (d *Device) Manager() *Manager {
	return d.manager
}

// EmptyCache releases cached-but-unused buffers held by the device.
func (d *Device) EmptyCache() int {
	if d == nil || d.manager == nil {
		return 0
	}
	return d.manager.EmptyCache()
}

// DefaultWorkers suggests a loader worker count for this device.
func (d *Device) DefaultWorkers() int {
	if d.PhysicalCores > 1 {
		return d.PhysicalCores - 1
	}
	return 1
}

func (d *Device) String() string {
	return fmt.Sprintf("%s(%s, cores=%d/%d, features=%s)",
		d.Type, d.Name, d.PhysicalCores, d.LogicalCores, strings.Join(d.Features, ","))
}

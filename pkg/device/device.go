// Package device picks where a run executes. The choice is made once at
// startup and passed to the trainer and evaluator.
package device

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/sirupsen/logrus"
)

type Kind string

const (
	CPU  Kind = "cpu"
	CUDA Kind = "cuda"
)

type Device struct {
	Kind Kind
	Name string
	// Workers is the kernel parallelism used by the numerical runtime.
	Workers int
	// MemoryBytes is the accelerator memory, 0 for the CPU.
	MemoryBytes int64
	Features    []string
}

func (d Device) String() string {
	if d.Kind == CUDA {
		return fmt.Sprintf("cuda (%s, %d MiB)", d.Name, d.MemoryBytes>>20)
	}
	return fmt.Sprintf("cpu (%s, %d workers)", d.Name, d.Workers)
}

// probe reports the first CUDA device; it is replaced by the cuda build.
var probe = probeCUDA

// Select resolves a preference of auto, cpu or cuda. An unavailable
// accelerator falls back to the CPU.
func Select(preference string, logger *logrus.Logger) Device {
	pref := strings.ToLower(strings.TrimSpace(preference))
	cpu := cpuDevice()
	if pref == string(CPU) {
		logger.Debugf("device forced to %s", cpu)
		return cpu
	}

	name, mem, err := probe()
	if err != nil {
		if pref == string(CUDA) {
			logger.Warnf("cuda requested but unavailable (%v), using cpu", err)
		} else {
			logger.Debugf("no cuda device: %v", err)
		}
		return cpu
	}

	// Kernels run on the host; the accelerator is reported only.
	return Device{
		Kind:        CUDA,
		Name:        name,
		Workers:     cpu.Workers,
		MemoryBytes: mem,
		Features:    cpu.Features,
	}
}

func cpuDevice() Device {
	workers := cpuid.CPU.PhysicalCores
	if workers <= 0 {
		workers = cpuid.CPU.LogicalCores
	}
	if workers <= 0 {
		workers = 1
	}

	var features []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.SSE4, "sse4.1"},
		{cpuid.AVX, "avx"},
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "asimd"},
	} {
		if cpuid.CPU.Supports(f.id) {
			features = append(features, f.name)
		}
	}

	name := cpuid.CPU.BrandName
	if name == "" {
		name = "unknown"
	}
	return Device{Kind: CPU, Name: name, Workers: workers, Features: features}
}

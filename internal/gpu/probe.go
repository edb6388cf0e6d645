// Package gpu implements the scheduler's view of physical GPUs: detection
// through an opaque Probe, and the allowed-GPU spec grammar used by the
// control API.
package gpu

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/shirou/gopsutil/v3/mem"
)

// Probe enumerates the physical GPUs visible on this host. The vendor
// discovery library itself is out of scope (spec.md §1); this is the
// contract the scheduler programs against.
type Probe interface {
	// Detect returns the ordered list of GPU indices present on the host.
	Detect(ctx context.Context) ([]int, error)
}

// NvidiaSMIProbe shells out to nvidia-smi, the lowest-common-denominator way
// to enumerate GPUs without linking against the vendor management library.
type NvidiaSMIProbe struct{}

// Detect runs `nvidia-smi --query-gpu=index --format=csv,noheader` and
// parses one GPU index per line.
func (NvidiaSMIProbe) Detect(ctx context.Context) ([]int, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=index", "--format=csv,noheader")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi probe: %w", err)
	}

	var ids []int
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi probe: unparseable index %q: %w", line, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// StaticProbe returns a fixed list of GPU ids, for tests and for hosts where
// the caller already knows the topology.
type StaticProbe struct {
	IDs []int
}

// Detect returns the configured static list.
func (p StaticProbe) Detect(context.Context) ([]int, error) {
	out := make([]int, len(p.IDs))
	copy(out, p.IDs)
	return out, nil
}

// ParseSpec implements the GPU spec grammar from spec.md §6:
//
//	spec := "all" | item ("," item)*
//	item := N | N-M   (N <= M, all non-negative integers)
//
// "all" expands to every id in detected. Unknown ids are rejected so that
// allowed_gpus is always a subset of what was actually detected; duplicate
// ids are dropped, keeping the first occurrence's position.
func ParseSpec(spec string, detected []int) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("gpu spec: empty")
	}
	if spec == "all" {
		out := make([]int, len(detected))
		copy(out, detected)
		return out, nil
	}

	detectedSet := make(map[int]bool, len(detected))
	for _, id := range detected {
		detectedSet[id] = true
	}

	seen := make(map[int]bool)
	var out []int
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, fmt.Errorf("gpu spec: empty item in %q", spec)
		}
		var lo, hi int
		if idx := strings.IndexByte(item, '-'); idx >= 0 {
			var err error
			lo, err = strconv.Atoi(item[:idx])
			if err != nil {
				return nil, fmt.Errorf("gpu spec: bad range start %q: %w", item, err)
			}
			hi, err = strconv.Atoi(item[idx+1:])
			if err != nil {
				return nil, fmt.Errorf("gpu spec: bad range end %q: %w", item, err)
			}
			if lo > hi {
				return nil, fmt.Errorf("gpu spec: range %q has start > end", item)
			}
		} else {
			n, err := strconv.Atoi(item)
			if err != nil {
				return nil, fmt.Errorf("gpu spec: bad item %q: %w", item, err)
			}
			lo, hi = n, n
		}
		for id := lo; id <= hi; id++ {
			if !detectedSet[id] {
				return nil, fmt.Errorf("gpu spec: gpu %d is not a detected gpu", id)
			}
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// CheckMemoryHint logs a warning (never an error - spec.md §3 says the hint
// is "not enforced by the scheduler") when a submitted memory_mb request
// exceeds total host memory.
func CheckMemoryHint(memoryMB int) {
	if memoryMB <= 0 {
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		logging.Log.WithError(err).Debug("gpu: could not read host memory for memory_mb sanity check")
		return
	}
	requestedBytes := uint64(memoryMB) * 1024 * 1024
	if requestedBytes > vm.Total {
		logging.Log.WithField("memory_mb", memoryMB).
			WithField("host_total_mb", vm.Total/1024/1024).
			Warn("gpu: submitted memory_mb hint exceeds total host memory")
	}
}

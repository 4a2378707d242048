// Package vram queries free GPU memory and auto-selects a context-window
// profile that fits within it. No pack example wraps nvidia-smi/rocm-smi in
// a Go library, so this shells out directly and parses the plain-text
// output — the same approach the rest of the corpus takes for any external
// tool it has no binding for.
package vram

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"ollm/core/profile"
)

// Reading is a free-VRAM measurement. Known is false when no supported
// query tool is available or it failed — callers must treat that as
// "unknown", never as zero.
type Reading struct {
	FreeMB int
	Known  bool
}

// Querier abstracts the platform-specific VRAM probe so it can be faked in
// tests without shelling out.
type Querier interface {
	Query(ctx context.Context) Reading
}

// Monitor queries free VRAM once per session and caches the result —
// spec §4.7 requires the selected context size to be frozen for the
// session's lifetime, so repeated queries mid-session would be pointless
// and could even destabilize an already-running model.
type Monitor struct {
	querier Querier
	once    bool
	cached  Reading
}

// New creates a Monitor using the platform-appropriate Querier.
func New() *Monitor {
	return &Monitor{querier: platformQuerier()}
}

// NewWithQuerier creates a Monitor with an injected Querier, for tests.
func NewWithQuerier(q Querier) *Monitor {
	return &Monitor{querier: q}
}

// Query returns the cached reading, querying the platform tool on first
// call only.
func (m *Monitor) Query(ctx context.Context) Reading {
	if m.once {
		return m.cached
	}
	m.cached = m.querier.Query(ctx)
	m.once = true
	return m.cached
}

func platformQuerier() Querier {
	switch runtime.GOOS {
	case "darwin":
		return appleQuerier{}
	default:
		return execQuerier{}
	}
}

// execQuerier tries nvidia-smi first, then rocm-smi. Either failing to run
// (not installed, no GPU, timeout) yields an unknown reading rather than
// an error — VRAM is optional input, never a hard dependency.
type execQuerier struct{}

func (execQuerier) Query(ctx context.Context) Reading {
	if r, ok := queryNvidiaSMI(ctx); ok {
		return r
	}
	if r, ok := queryROCmSMI(ctx); ok {
		return r
	}
	return Reading{Known: false}
}

func queryNvidiaSMI(ctx context.Context) (Reading, bool) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.free", "--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return Reading{}, false
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return Reading{}, false
	}
	mb, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Reading{}, false
	}
	return Reading{FreeMB: mb, Known: true}, true
}

func queryROCmSMI(ctx context.Context) (Reading, bool) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "rocm-smi", "--showmeminfo", "vram", "--csv")
	out, err := cmd.Output()
	if err != nil {
		return Reading{}, false
	}

	// rocm-smi's csv output reports total and used bytes per GPU; take the
	// first data row's free = total - used.
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	if len(lines) < 2 {
		return Reading{}, false
	}
	fields := strings.Split(string(lines[1]), ",")
	if len(fields) < 3 {
		return Reading{}, false
	}
	total, err1 := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	used, err2 := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
	if err1 != nil || err2 != nil || total < used {
		return Reading{}, false
	}
	freeMB := int((total - used) / (1024 * 1024))
	return Reading{FreeMB: freeMB, Known: true}, true
}

// appleQuerier has no reliable free-VRAM query on unified-memory Apple
// Silicon; VRAM is always reported unknown there and auto-sizing falls
// back to the model's default_context, matching spec §4.7.
type appleQuerier struct{}

func (appleQuerier) Query(context.Context) Reading {
	return Reading{Known: false}
}

// AutoSelect implements spec §4.7's context-size selection algorithm: find
// the largest profile that fits within free VRAM minus bufferMB and return
// the profile one step smaller than it (or the smallest profile when only
// the smallest fits or nothing fits), and fall back to the model's
// default_context if VRAM is unknown. A pinned size (targetSize
// non-empty) always wins outright.
func AutoSelect(m profile.ModelProfile, reading Reading, bufferMB int, targetSize string) profile.ContextProfile {
	if targetSize != "" {
		if p, ok := m.ProfileBySizeLabel(targetSize); ok {
			return p
		}
	}

	if !reading.Known {
		if p, ok := m.ProfileBySizeLabel(m.DefaultContext); ok {
			return p
		}
		return smallestProfile(m)
	}

	sorted := m.SortedBySize() // ascending
	maxFit := -1
	for i, p := range sorted {
		if p.VramEstimateGB*1024+float64(bufferMB) <= float64(reading.FreeMB) {
			maxFit = i
		}
	}
	if maxFit == -1 {
		// Nothing fits even with the buffer; the smallest profile is the
		// least-bad option rather than refusing to start.
		return smallestProfile(m)
	}
	if maxFit == 0 {
		// Largest-that-fits is already the smallest profile: there is no
		// smaller step to back off to.
		return sorted[0]
	}
	return sorted[maxFit-1]
}

func smallestProfile(m profile.ModelProfile) profile.ContextProfile {
	sorted := m.SortedBySize()
	if len(sorted) == 0 {
		return profile.ContextProfile{}
	}
	return sorted[0]
}

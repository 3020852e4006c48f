// Package rtkstats tracks character savings from piping CLI tool output
// through the rtk compressor before it reaches the model context. rtk cuts
// 60-90% of the characters on common dev-command output; when the binary is
// not installed the tracker stays disabled and harness behavior is
// unchanged.
package rtkstats

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Stats is the cumulative compression record exposed at
// GET /api/control/rtk-stats.
type Stats struct {
	Enabled           bool    `json:"enabled"`
	CommandsProcessed uint64  `json:"commands_processed"`
	OriginalChars     uint64  `json:"original_chars"`
	CompressedChars   uint64  `json:"compressed_chars"`
	CharsSaved        uint64  `json:"chars_saved"`
	SavingsPercent    float64 `json:"savings_percent"`
}

// Tracker accumulates per-command compression figures. One instance is
// shared by every harness adapter in the process.
type Tracker struct {
	mu      sync.RWMutex
	stats   Stats
	enabled bool
	binPath string
}

// NewTracker probes PATH for the rtk binary. A missing binary yields a
// permanently disabled tracker.
func NewTracker() *Tracker {
	path, err := exec.LookPath("rtk")
	t := &Tracker{enabled: err == nil, binPath: path}
	t.stats.Enabled = t.enabled
	return t
}

// Enabled reports whether the rtk binary was found at startup.
func (t *Tracker) Enabled() bool { return t.enabled }

// BinPath returns the resolved rtk binary path, empty when disabled.
func (t *Tracker) BinPath() string { return t.binPath }

// RecordCommand adds one compressed command's before/after character counts.
// No-op while disabled.
func (t *Tracker) RecordCommand(originalChars, compressedChars uint64) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.CommandsProcessed++
	t.stats.OriginalChars += originalChars
	t.stats.CompressedChars += compressedChars
	t.recalculate()
}

func (t *Tracker) recalculate() {
	if t.stats.CompressedChars > t.stats.OriginalChars {
		t.stats.CharsSaved = 0
	} else {
		t.stats.CharsSaved = t.stats.OriginalChars - t.stats.CompressedChars
	}
	if t.stats.OriginalChars == 0 {
		t.stats.SavingsPercent = 0
		return
	}
	t.stats.SavingsPercent = float64(t.stats.CharsSaved) / float64(t.stats.OriginalChars) * 100
}

// Snapshot returns the current totals.
func (t *Tracker) Snapshot() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// Reset zeroes the counters, keeping the enabled flag.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = Stats{Enabled: t.enabled}
}

// Compress pipes text through the rtk binary and returns the compressed
// form, recording the savings. Returns text unchanged when the tracker is
// disabled or the binary fails; compression is telemetry, never a hard
// dependency of the turn.
func (t *Tracker) Compress(ctx context.Context, text string) string {
	if !t.enabled || text == "" {
		return text
	}
	cmd := exec.CommandContext(ctx, t.binPath)
	cmd.Stdin = strings.NewReader(text)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return text
	}
	compressed := out.String()
	if compressed == "" || len(compressed) >= len(text) {
		return text
	}
	t.RecordCommand(uint64(len(text)), uint64(len(compressed)))
	return compressed
}

// ParseGainOutput extracts (original, compressed) character counts from
// rtk's own "gain" report lines, e.g. "original: 5000 compressed: 800" or
// "5000 -> 800 tokens saved". Returns ok=false when no line parses.
func ParseGainOutput(output string) (original, compressed uint64, ok bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "tokens saved") && !strings.Contains(line, "->") {
			continue
		}
		parts := strings.Fields(line)
		for i, part := range parts {
			n, err := strconv.ParseUint(strings.TrimSuffix(part, ","), 10, 64)
			if err != nil {
				continue
			}
			switch {
			case i > 0 && parts[i-1] == "original:":
				original = n
			case i > 0 && parts[i-1] == "compressed:":
				compressed = n
			case original == 0:
				original = n
			default:
				compressed = n
			}
		}
		if original > 0 {
			return original, compressed, true
		}
	}
	return 0, 0, false
}

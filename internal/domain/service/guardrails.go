package service

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"

	"go.uber.org/zap"
)

// LoopDetector uses a sliding window to detect repeated tool call
// patterns. The scheduler records every tool call; when the same tool
// with the same arguments repeats enough times consecutively, the
// detector trips and the scheduler injects a failure observation so
// the model changes course instead of burning iterations.
type LoopDetector struct {
	recentCalls []string // stores "name|argsHash" signatures
	windowSize  int
	threshold   int
	logger      *zap.Logger
}

// NewLoopDetector creates a sliding window loop detector.
func NewLoopDetector(windowSize, threshold int, logger *zap.Logger) *LoopDetector {
	if windowSize <= 0 {
		windowSize = 6
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &LoopDetector{
		recentCalls: make([]string, 0, windowSize),
		windowSize:  windowSize,
		threshold:   threshold,
		logger:      logger,
	}
}

// Record adds a tool call and returns true if a loop is detected.
// A loop means the same tool with the SAME arguments appears >=
// threshold times consecutively in the recent window. Different
// arguments = different call.
func (d *LoopDetector) Record(toolName string, args map[string]any) bool {
	sig := toolName + "|" + ArgsSignature(args)

	d.recentCalls = append(d.recentCalls, sig)
	if len(d.recentCalls) > d.windowSize {
		d.recentCalls = d.recentCalls[1:]
	}

	if len(d.recentCalls) < d.threshold {
		return false
	}

	tail := d.recentCalls[len(d.recentCalls)-d.threshold:]
	for _, s := range tail {
		if s != tail[0] {
			return false
		}
	}

	d.logger.Warn("Tool call loop detected",
		zap.String("tool", toolName),
		zap.String("signature", sig),
		zap.Int("consecutive_calls", d.threshold),
	)
	return true
}

// Reset clears the sliding window (call at start of each run).
func (d *LoopDetector) Reset() {
	d.recentCalls = d.recentCalls[:0]
}

// ArgsSignature produces a stable hash of a tool argument map.
// Keys are sorted so logically equal maps hash identically.
func ArgsSignature(args map[string]any) string {
	if len(args) == 0 {
		return "0"
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		// Marshal values individually; unmarshalable values fall back
		// to their fmt representation.
		if b, err := json.Marshal(args[k]); err == nil {
			h.Write(b)
		} else {
			fmt.Fprintf(h, "%v", args[k])
		}
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

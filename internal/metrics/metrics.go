// Package metrics counts tool activity and renders it in the Prometheus text format.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                    sync.Mutex
	toolCalls             map[string]int64
	toolErrors            map[string]int64
	patchTransitions      map[string]int64
	verifyRuns            int64
	verifyPassed          int64
	verifyTimeouts        int64
	verifyDurationMSTotal int64
	verifyErrorTypeTotals map[string]int64
}

func NewRegistry() *Registry {
	return &Registry{
		toolCalls:        map[string]int64{},
		toolErrors:       map[string]int64{},
		patchTransitions: map[string]int64{"proposed": 0, "applied": 0, "rejected": 0},
		verifyErrorTypeTotals: map[string]int64{
			"none":         0,
			"compile":      0,
			"verification": 0,
			"runtime":      0,
		},
	}
}

// RecordToolCall counts one dispatch of tool; kind is empty on success.
func (registry *Registry) RecordToolCall(tool string, kind string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.toolCalls[tool]++
	if kind != "" {
		registry.toolErrors[kind]++
	}
}

func (registry *Registry) RecordPatchTransition(status string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.patchTransitions[status]++
}

func (registry *Registry) RecordVerification(passed bool, timedOut bool, errorType string, duration time.Duration) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.verifyRuns++
	registry.verifyDurationMSTotal += duration.Milliseconds()
	if passed {
		registry.verifyPassed++
	}
	if timedOut {
		registry.verifyTimeouts++
		return
	}
	errorType = strings.TrimSpace(errorType)
	if errorType == "" {
		errorType = "none"
	}
	registry.verifyErrorTypeTotals[errorType]++
}

type Snapshot struct {
	ToolCalls        map[string]int64 `json:"tool_calls"`
	ToolErrors       map[string]int64 `json:"tool_errors"`
	PatchTransitions map[string]int64 `json:"patch_transitions"`
	VerifyRuns       int64            `json:"verify_runs"`
	VerifyPassed     int64            `json:"verify_passed"`
	VerifyTimeouts   int64            `json:"verify_timeouts"`
}

func (registry *Registry) Snapshot() Snapshot {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return Snapshot{
		ToolCalls:        copyCounts(registry.toolCalls),
		ToolErrors:       copyCounts(registry.toolErrors),
		PatchTransitions: copyCounts(registry.patchTransitions),
		VerifyRuns:       registry.verifyRuns,
		VerifyPassed:     registry.verifyPassed,
		VerifyTimeouts:   registry.verifyTimeouts,
	}
}

func (registry *Registry) RenderPrometheus() string {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	lines := []string{"# TYPE proofsh_tool_calls_total counter"}
	lines = appendLabeled(lines, "proofsh_tool_calls_total", "tool", registry.toolCalls)
	lines = append(lines, "# TYPE proofsh_tool_errors_total counter")
	lines = appendLabeled(lines, "proofsh_tool_errors_total", "kind", registry.toolErrors)
	lines = append(lines, "# TYPE proofsh_patch_transitions_total counter")
	lines = appendLabeled(lines, "proofsh_patch_transitions_total", "status", registry.patchTransitions)
	lines = append(lines,
		"# TYPE proofsh_verify_runs_total counter",
		fmt.Sprintf("proofsh_verify_runs_total %d", registry.verifyRuns),
		"# TYPE proofsh_verify_passed_total counter",
		fmt.Sprintf("proofsh_verify_passed_total %d", registry.verifyPassed),
		"# TYPE proofsh_verify_timeouts_total counter",
		fmt.Sprintf("proofsh_verify_timeouts_total %d", registry.verifyTimeouts),
		"# TYPE proofsh_verify_duration_ms_total counter",
		fmt.Sprintf("proofsh_verify_duration_ms_total %d", registry.verifyDurationMSTotal),
		"# TYPE proofsh_verify_error_type_total counter",
	)
	lines = appendLabeled(lines, "proofsh_verify_error_type_total", "type", registry.verifyErrorTypeTotals)
	return strings.Join(lines, "\n") + "\n"
}

func appendLabeled(lines []string, name string, label string, counts map[string]int64) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf(`%s{%s="%s"} %d`, name, label, key, counts[key]))
	}
	return lines
}

func copyCounts(counts map[string]int64) map[string]int64 {
	copied := make(map[string]int64, len(counts))
	for key, value := range counts {
		copied[key] = value
	}
	return copied
}

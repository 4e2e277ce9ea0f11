package verify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	ErrorTypeNone         = "none"
	ErrorTypeCompile      = "compile"
	ErrorTypeVerification = "verification"
	ErrorTypeRuntime      = "runtime"
)

// Summary is a deterministic digest of cargo kani output for the agent.
type Summary struct {
	Summary         string   `json:"summary"`
	ErrorType       string   `json:"error_type"`
	PrimaryError    string   `json:"primary_error,omitempty"`
	NextAction      string   `json:"next_action,omitempty"`
	Harnesses       []string `json:"harnesses,omitempty"`
	FailedHarnesses []string `json:"failed_harnesses,omitempty"`
	FailedChecks    []string `json:"failed_checks,omitempty"`
	Verified        int      `json:"verified"`
	Failed          int      `json:"failed"`
	Total           int      `json:"total"`
	TopIssues       []string `json:"top_issues,omitempty"`
}

var (
	checkingHarness = regexp.MustCompile(`^Checking harness (\S+?)\.*$`)
	completeLine    = regexp.MustCompile(`^Complete - (\d+) successfully verified harnesses?, (\d+) failures?, (\d+) total\.?$`)
	failedFor       = regexp.MustCompile(`^Verification failed for - (\S+)$`)
	failedCheck     = regexp.MustCompile(`^Failed Checks: (.+)$`)
	rustError       = regexp.MustCompile(`^error(\[E\d+\])?: (.+)$`)
	issueMatcher    = regexp.MustCompile(`(?i)(error|panicked|failed|FAILURE|unwinding assertion)`)
)

func Summarize(exitCode int, stdout string, stderr string) Summary {
	lines := splitNonEmptyLines(stdout + "\n" + stderr)
	summary := Summary{ErrorType: ErrorTypeNone}

	sawVerificationResult := false
	compileErrors := []string{}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if match := checkingHarness.FindStringSubmatch(trimmed); len(match) == 2 {
			summary.Harnesses = appendUnique(summary.Harnesses, match[1], 50)
			continue
		}
		if match := completeLine.FindStringSubmatch(trimmed); len(match) == 4 {
			summary.Verified, _ = strconv.Atoi(match[1])
			summary.Failed, _ = strconv.Atoi(match[2])
			summary.Total, _ = strconv.Atoi(match[3])
			sawVerificationResult = true
			continue
		}
		if match := failedFor.FindStringSubmatch(trimmed); len(match) == 2 {
			summary.FailedHarnesses = appendUnique(summary.FailedHarnesses, match[1], 50)
			continue
		}
		if match := failedCheck.FindStringSubmatch(trimmed); len(match) == 2 {
			summary.FailedChecks = appendUnique(summary.FailedChecks, strings.TrimSpace(match[1]), 12)
			continue
		}
		if strings.HasPrefix(trimmed, "VERIFICATION:- ") {
			sawVerificationResult = true
			continue
		}
		if match := rustError.FindStringSubmatch(trimmed); len(match) == 3 {
			compileErrors = appendUnique(compileErrors, trimmed, 12)
		}
	}
	summary.TopIssues = pickIssueLines(lines, 3)

	switch {
	case exitCode == 0:
		summary.Summary = "verification succeeded"
		if summary.Total > 0 {
			summary.Summary = fmt.Sprintf("verification succeeded: %d of %d harnesses verified", summary.Verified, summary.Total)
		}
		summary.TopIssues = nil
	case sawVerificationResult && (summary.Failed > 0 || len(summary.FailedChecks) > 0 || len(summary.FailedHarnesses) > 0):
		summary.ErrorType = ErrorTypeVerification
		summary.Summary = fmt.Sprintf("verification failed: %d of %d harnesses failed", summary.Failed, summary.Total)
		if len(summary.FailedChecks) > 0 {
			summary.PrimaryError = summary.FailedChecks[0]
		}
		summary.NextAction = "Inspect the failed checks, fix the code or the harness, and propose a patch before verifying again."
	case len(compileErrors) > 0:
		summary.ErrorType = ErrorTypeCompile
		summary.PrimaryError = compileErrors[0]
		summary.Summary = "crate failed to compile: " + compileErrors[0]
		summary.NextAction = "Fix the compiler errors with a patch, then rerun verification."
	default:
		summary.ErrorType = ErrorTypeRuntime
		summary.Summary = fmt.Sprintf("verification run failed (exit code %d)", exitCode)
		if len(summary.TopIssues) > 0 {
			summary.PrimaryError = summary.TopIssues[0]
			summary.Summary += ": " + summary.TopIssues[0]
		}
		summary.NextAction = "Check that the verification image is available and the project layout is valid."
	}
	return summary
}

func splitNonEmptyLines(text string) []string {
	rawLines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(rawLines))
	for _, line := range rawLines {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func pickIssueLines(lines []string, max int) []string {
	if max <= 0 {
		return nil
	}
	issues := make([]string, 0, max)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if issueMatcher.MatchString(trimmed) {
			issues = appendUnique(issues, trimmed, max)
		}
		if len(issues) >= max {
			break
		}
	}
	return issues
}

func appendUnique(values []string, value string, max int) []string {
	if value == "" {
		return values
	}
	for _, current := range values {
		if current == value {
			return values
		}
	}
	values = append(values, value)
	if len(values) > max {
		return values[:max]
	}
	return values
}

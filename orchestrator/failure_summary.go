package orchestrator

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/izavyalov-dev/kubeprov/runner"
)

const defaultMaxSummaryLen = 240

// KindInterrupted marks requests whose process was killed by server shutdown.
const KindInterrupted = "interrupted"

// FailureInput carries what a summarizer may look at.
type FailureInput struct {
	Action   string
	TargetID string
	Err      error
	Lines    []string
}

// FailureSummary is the synthesized last log line of a failed request.
type FailureSummary struct {
	Kind     string
	Category string
	Line     string
}

// FailureSummarizer turns a runner error into a single summary line.
type FailureSummarizer interface {
	Summarize(input FailureInput) FailureSummary
}

// RuleBasedSummarizer classifies failures with simple heuristics over the
// error and the captured output tail.
type RuleBasedSummarizer struct {
	MaxLen int
}

func NewRuleBasedSummarizer() *RuleBasedSummarizer {
	return &RuleBasedSummarizer{MaxLen: defaultMaxSummaryLen}
}

func (s *RuleBasedSummarizer) Summarize(input FailureInput) FailureSummary {
	kind := runner.Kind(input.Err)
	tail := runner.Tail(input.Err)
	if len(tail) == 0 {
		tail = input.Lines
	}

	var (
		timedOut runner.ActionTimedOutError
		failed   runner.ActionFailedError
	)
	var line string
	switch {
	case errors.As(input.Err, &timedOut):
		line = fmt.Sprintf("[timeout] %s on %s exceeded %s; process killed", input.Action, input.TargetID, timedOut.Timeout)
	case errors.As(input.Err, &failed):
		line = fmt.Sprintf("[failed] %s on %s exited with status %d", input.Action, input.TargetID, failed.ExitCode)
		if recap, ok := parseRecap(input.Lines); ok {
			line += fmt.Sprintf(" (hosts=%d failed=%d unreachable=%d)", recap.Hosts, recap.Failed, recap.Unreachable)
		}
	case kind == runner.KindTooling:
		line = fmt.Sprintf("[tooling] %s on %s: %v", input.Action, input.TargetID, input.Err)
	case kind == runner.KindLaunch:
		line = fmt.Sprintf("[launch] %s on %s: %v", input.Action, input.TargetID, input.Err)
	case kind == runner.KindCanceled:
		line = fmt.Sprintf("[canceled] %s on %s: %v", input.Action, input.TargetID, input.Err)
	default:
		line = fmt.Sprintf("[error] %s on %s: %v", input.Action, input.TargetID, input.Err)
	}

	category := classifyFailure(kind, tail)
	if category != "" {
		line += "; " + category
	}

	return FailureSummary{
		Kind:     kind,
		Category: category,
		Line:     truncateText(sanitizeText(line), s.maxLen()),
	}
}

func interruptedSummary(action, targetID string, started bool) FailureSummary {
	line := fmt.Sprintf("[interrupted] %s on %s: server shutting down", action, targetID)
	if started {
		line += "; process killed"
	}
	return FailureSummary{Kind: KindInterrupted, Line: line}
}

func (s *RuleBasedSummarizer) maxLen() int {
	if s == nil || s.MaxLen <= 0 {
		return defaultMaxSummaryLen
	}
	return s.MaxLen
}

func classifyFailure(kind string, tail []string) string {
	if kind == runner.KindTimeout || kind == runner.KindCanceled {
		return ""
	}
	lower := strings.ToLower(strings.Join(tail, "\n"))

	switch {
	case containsAny(lower, "unreachable!", "connection refused", "no route to host", "could not resolve hostname", "connection timed out"):
		return "network error reaching hosts"
	case containsAny(lower, "permission denied", "missing sudo password", "incorrect sudo password", "not in the sudoers"):
		return "permission error"
	case containsAny(lower, "command not found", "executable file not found", "no such file or directory"):
		return "missing tool or file"
	case containsAny(lower, "no space left", "out of memory", "cannot allocate memory"):
		return "resource exhaustion"
	case containsAny(lower, "syntax error", "error!", "is not a valid attribute"):
		return "playbook error"
	default:
		return ""
	}
}

// Recap sums the PLAY RECAP counters across hosts.
type Recap struct {
	Hosts       int
	Ok          int
	Changed     int
	Unreachable int
	Failed      int
	Skipped     int
}

var recapCounter = regexp.MustCompile(`(ok|changed|unreachable|failed|skipped)=(\d+)`)

func parseRecap(lines []string) (Recap, bool) {
	var (
		recap   Recap
		inRecap bool
	)
	for _, line := range lines {
		if strings.HasPrefix(line, "PLAY RECAP") {
			recap, inRecap = Recap{}, true
			continue
		}
		if !inRecap {
			continue
		}
		matches := recapCounter.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			continue
		}
		recap.Hosts++
		for _, m := range matches {
			n, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			switch m[1] {
			case "ok":
				recap.Ok += n
			case "changed":
				recap.Changed += n
			case "unreachable":
				recap.Unreachable += n
			case "failed":
				recap.Failed += n
			case "skipped":
				recap.Skipped += n
			}
		}
	}
	return recap, inRecap && recap.Hosts > 0
}

func sanitizeText(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	return strings.Join(strings.Fields(value), " ")
}

// truncateText caps value at maxLen bytes without splitting a rune.
func truncateText(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	suffix := "..."
	if maxLen <= len(suffix) {
		suffix = ""
	}
	cut := maxLen - len(suffix)
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + suffix
}

func containsAny(value string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return true
		}
	}
	return false
}

// Package dispatch owns the worker side of the autopilot: the durable
// ticket-to-session map, the per-tick dispatcher plan, the worker agent
// spawner, and the proof-gated response contract the agent's output must
// satisfy.
package dispatch

import (
	"strings"
	"unicode/utf8"
)

// Worker command kinds, the allowed terminal verbs.
const (
	CommandContinue  = "continue"
	CommandBlocked   = "blocked"
	CommandCompleted = "completed"
)

// TerminalCommandPrefix introduces the worker's terminal line.
const TerminalCommandPrefix = "kanban-workflow "

// evidenceExcerptLimit caps the excerpt carried in validation results.
const evidenceExcerptLimit = 280

// concreteExecutionSignals mark evidence that names an actual step taken.
var concreteExecutionSignals = []string{
	"executed", "ran", "tool call", "command:", "key result",
	"changed files:", "updated ", "created ", "patched ", "edited ", "test",
}

// executionNegations disqualify the evidence regardless of other signals.
var executionNegations = []string{
	"changed files: none", "no execution", "did not execute",
	"no concrete step", "no change",
}

// WorkerCommand is the parsed terminal command of a worker response.
type WorkerCommand struct {
	Kind string `json:"kind"` // continue | blocked | completed
	Text string `json:"text"` // --text or --result payload
}

// ContractEvidence summarizes the EVIDENCE section of a worker response.
type ContractEvidence struct {
	Present              bool   `json:"present"`
	HasConcreteExecution bool   `json:"hasConcreteExecution"`
	Excerpt              string `json:"excerpt,omitempty"`
}

// ContractValidation is the result of checking a worker response against the
// response contract.
type ContractValidation struct {
	OK         bool             `json:"ok"`
	Command    *WorkerCommand   `json:"command,omitempty"`
	Violations []string         `json:"violations,omitempty"`
	Evidence   ContractEvidence `json:"evidence"`
}

// ExtractWorkerTerminalCommand parses the terminal command from free-text
// worker output, or returns nil when the grammar is violated.
func ExtractWorkerTerminalCommand(output string) *WorkerCommand {
	cmd, _ := parseTerminal(output)
	return cmd
}

// ValidateWorkerResponseContract checks the full contract: exactly one
// terminal command as the last non-empty line, and an EVIDENCE section whose
// content substantiates the verb. For continue the evidence must name a
// concrete execution step; blocked and completed only require presence.
func ValidateWorkerResponseContract(output string) ContractValidation {
	v := ContractValidation{}

	cmd, violations := parseTerminal(output)
	v.Violations = append(v.Violations, violations...)
	v.Command = cmd

	v.Evidence = scanEvidence(output)
	if !v.Evidence.Present {
		v.Violations = append(v.Violations, "missing EVIDENCE section before the terminal command")
	}
	if cmd != nil && cmd.Kind == CommandContinue && v.Evidence.Present && !v.Evidence.HasConcreteExecution {
		v.Violations = append(v.Violations, "continue requires concrete execution evidence")
	}

	v.OK = cmd != nil && len(v.Violations) == 0
	return v
}

// parseTerminal locates and tokenizes the single terminal command line.
func parseTerminal(output string) (*WorkerCommand, []string) {
	lines := strings.Split(output, "\n")

	var candidates []string
	lastNonEmpty := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lastNonEmpty = trimmed
		if len(trimmed) >= len(TerminalCommandPrefix) &&
			strings.EqualFold(trimmed[:len(TerminalCommandPrefix)], TerminalCommandPrefix) {
			candidates = append(candidates, trimmed)
		}
	}

	switch {
	case len(candidates) == 0:
		return nil, []string{"no terminal kanban-workflow command found"}
	case len(candidates) > 1:
		return nil, []string{"more than one kanban-workflow command found"}
	case candidates[0] != lastNonEmpty:
		return nil, []string{"the kanban-workflow command must be the last non-empty line"}
	}

	tokens := tokenize(candidates[0])
	if len(tokens) < 4 {
		return nil, []string{"terminal command needs a verb, a flag and a value"}
	}

	verb := strings.ToLower(tokens[1])
	var wantFlag string
	switch verb {
	case CommandContinue, CommandBlocked:
		wantFlag = "--text"
	case CommandCompleted:
		wantFlag = "--result"
	default:
		return nil, []string{"verb must be continue, blocked or completed, got " + strings.TrimSpace(tokens[1])}
	}

	value, ok := flagValue(tokens[2:], wantFlag)
	if !ok {
		return nil, []string{verb + " requires " + wantFlag}
	}
	if strings.TrimSpace(value) == "" {
		return nil, []string{wantFlag + " value must be non-empty"}
	}

	return &WorkerCommand{Kind: verb, Text: value}, nil
}

func flagValue(tokens []string, flag string) (string, bool) {
	for i, tok := range tokens {
		if strings.EqualFold(tok, flag) && i+1 < len(tokens) {
			return tokens[i+1], true
		}
	}
	return "", false
}

// tokenize splits a command line with POSIX-lite shell-word rules: single
// and double quotes group, backslash escapes \n \t \r to control characters
// and any other character to itself, and an unquoted &&, || or ; terminates
// the command with the tail ignored.
func tokenize(line string) []string {
	var tokens []string
	var cur strings.Builder
	inToken := false

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case ' ', '\t':
			flush()
		case ';':
			flush()
			return tokens
		case '&', '|':
			if i+1 < len(runes) && runes[i+1] == r {
				flush()
				return tokens
			}
			cur.WriteRune(r)
			inToken = true
		case '\'':
			inToken = true
			for i++; i < len(runes) && runes[i] != '\''; i++ {
				cur.WriteRune(runes[i])
			}
		case '"':
			inToken = true
			for i++; i < len(runes) && runes[i] != '"'; i++ {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
					cur.WriteRune(unescape(runes[i]))
					continue
				}
				cur.WriteRune(runes[i])
			}
		case '\\':
			inToken = true
			if i+1 < len(runes) {
				i++
				cur.WriteRune(unescape(runes[i]))
			}
		default:
			inToken = true
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func unescape(r rune) rune {
	switch r {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	}
	return r
}

// scanEvidence locates the EVIDENCE section and classifies its content.
func scanEvidence(output string) ContractEvidence {
	lines := strings.Split(output, "\n")

	start := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.EqualFold(trimmed, "evidence") || strings.EqualFold(trimmed, "evidence:") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return ContractEvidence{}
	}

	var content []string
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= len(TerminalCommandPrefix) &&
			strings.EqualFold(trimmed[:min(len(trimmed), len(TerminalCommandPrefix))], TerminalCommandPrefix) {
			break
		}
		if trimmed != "" {
			content = append(content, trimmed)
		}
	}
	if len(content) == 0 {
		return ContractEvidence{}
	}

	joined := strings.Join(content, "\n")
	ev := ContractEvidence{
		Present: true,
		Excerpt: truncate(joined, evidenceExcerptLimit),
	}

	lower := strings.ToLower(joined)
	for _, neg := range executionNegations {
		if strings.Contains(lower, neg) {
			return ev
		}
	}
	for _, signal := range concreteExecutionSignals {
		if strings.Contains(lower, signal) {
			ev.HasConcreteExecution = true
			break
		}
	}
	return ev
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

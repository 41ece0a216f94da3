package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultAgentTimeout bounds a single worker run.
const DefaultAgentTimeout = 30 * time.Minute

// AgentRun is the raw result of one worker agent invocation.
type AgentRun struct {
	RunID    string        `json:"runId"`
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
}

// Spawner runs the external worker agent with work instructions on stdin and
// captures its free-text output for contract parsing.
type Spawner struct {
	agentPath string
	agentArgs []string
	timeout   time.Duration
	verbose   bool
}

// NewSpawner builds a spawner for the given agent command line. The first
// word is the executable, the rest are fixed arguments. A zero timeout uses
// DefaultAgentTimeout.
func NewSpawner(agentCommand string, timeout time.Duration, verbose bool) (*Spawner, error) {
	words := strings.Fields(agentCommand)
	if len(words) == 0 {
		return nil, errors.New("agent command is empty")
	}

	path := words[0]
	if resolved, err := exec.LookPath(path); err == nil {
		path = resolved
	}
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}

	return &Spawner{
		agentPath: path,
		agentArgs: words[1:],
		timeout:   timeout,
		verbose:   verbose,
	}, nil
}

// Run executes the agent once for a session, feeding the instructions on
// stdin. A non-zero exit is reported in the result rather than as an error;
// the caller decides whether the output still parses.
func (s *Spawner) Run(ctx context.Context, sessionID, instructions string) (*AgentRun, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	runID := uuid.NewString()
	start := time.Now()

	cmd := exec.CommandContext(ctx, s.agentPath, s.agentArgs...) // #nosec G204 -- agent path comes from operator config
	cmd.Stdin = strings.NewReader(instructions)
	cmd.Env = append(os.Environ(), "KANBAN_WORKFLOW_SESSION="+sessionID)

	var stdout, stderr bytes.Buffer
	if s.verbose {
		cmd.Stdout = io.MultiWriter(&stdout, os.Stdout)
		cmd.Stderr = io.MultiWriter(&stderr, os.Stderr)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	err := cmd.Run()

	run := &AgentRun{
		RunID:    runID,
		Success:  err == nil,
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			run.ExitCode = exitErr.ExitCode()
		} else {
			return run, err
		}
	}

	log.Debug().
		Str("run", runID).
		Str("session", sessionID).
		Int("exitCode", run.ExitCode).
		Dur("duration", run.Duration).
		Msg("Worker agent run finished")
	return run, nil
}

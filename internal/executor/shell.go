package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mediaflow/internal/db"
)

// ShellPayload is the payload schema for shell tasks.
type ShellPayload struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
	// TimeoutSeconds overrides the executor default for long transcodes.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Shell runs shell-type tasks as subprocesses.
type Shell struct {
	log         zerolog.Logger
	defaultWait time.Duration
}

// NewShell creates a shell executor with the given default timeout.
func NewShell(log zerolog.Logger, defaultWait time.Duration) *Shell {
	if defaultWait <= 0 {
		defaultWait = 30 * time.Minute
	}
	return &Shell{
		log:         log.With().Str("executor", "shell").Logger(),
		defaultWait: defaultWait,
	}
}

// Execute runs the payload command via the shell, capturing stdout as the
// result summary and stderr into the failure message.
func (s *Shell) Execute(ctx context.Context, task *db.Task) Result {
	var payload ShellPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return Result{Err: fmt.Errorf("invalid shell payload: %w", err)}
	}
	if strings.TrimSpace(payload.Command) == "" {
		return Result{Err: fmt.Errorf("shell payload has no command")}
	}

	wait := s.defaultWait
	if payload.TimeoutSeconds > 0 {
		wait = time.Duration(payload.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", payload.Command)
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return Result{Err: fmt.Errorf("failed to start command: %w", err)}
	}

	var stderrBuilder strings.Builder
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			stderrBuilder.WriteString(scanner.Text())
			stderrBuilder.WriteString("\n")
		}
	}()

	var outputBuilder strings.Builder
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		outputBuilder.WriteString(scanner.Text())
		outputBuilder.WriteString("\n")
	}

	// The stderr goroutine must finish before stderrBuilder is read, and
	// before Wait closes the pipe out from under it.
	<-stderrDone

	if err := cmd.Wait(); err != nil {
		msg := err.Error()
		if stderrBuilder.Len() > 0 {
			msg = fmt.Sprintf("%s\n%s", msg, strings.TrimSpace(stderrBuilder.String()))
		}
		return Result{Summary: outputBuilder.String(), Err: fmt.Errorf("%s", msg)}
	}

	s.log.Debug().Int64("task_id", task.ID).Msg("command completed")
	return Result{Summary: outputBuilder.String()}
}

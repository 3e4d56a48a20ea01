// -----------------------------------------------------------------------
// Script step executor
// -----------------------------------------------------------------------

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ternarybob/conductor/internal/models"
)

const defaultScriptTimeout = 5 * time.Minute

func (e *Engine) executeScript(ctx context.Context, rs *runState, step *models.Step) (*models.StepResult, error) {
	cfg := step.Config.Script
	if cfg == nil || (cfg.Script == "" && cfg.ScriptPath == "") {
		return nil, failStep(StepCodeConfig, "step %s: missing script config", step.ID)
	}

	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}

	// Inline script bodies are run literally; substituting context values
	// into shell text is a command injection path. Values reach the script
	// through PIPELINE_* environment variables instead. Path-mode scripts
	// do resolve variables in the path only.
	var command string
	if cfg.Script != "" {
		command = cfg.Script
	} else {
		rs.mu.Lock()
		command = SubstituteString(cfg.ScriptPath, rs.run.Context)
		rs.mu.Unlock()
	}

	timeout := defaultScriptTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, shell, "-c", command)
	if cfg.WorkingDirectory != "" {
		rs.mu.Lock()
		cmd.Dir = SubstituteString(cfg.WorkingDirectory, rs.run.Context)
		rs.mu.Unlock()
	}
	cmd.Env = e.scriptEnv(rs, cfg)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return nil, failStep(StepCodeExecution, "step %s: failed to start script: %v", step.ID, err)
	}
	go func() { done <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-rs.token.Done():
		_ = cmd.Process.Kill()
		<-done
		return nil, errRunCancelled
	}

	output := map[string]interface{}{
		"exitCode": cmd.ProcessState.ExitCode(),
		"stdout":   strings.TrimRight(stdout.String(), "\n"),
		"stderr":   strings.TrimRight(stderr.String(), "\n"),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return nil, failStep(StepCodeTimeout, "step %s: script timed out after %s", step.ID, timeout)
	}
	if runErr != nil {
		return &models.StepResult{
			Success: false,
			Output:  output,
			Error:   &models.StepError{Code: StepCodeExecution, Message: fmt.Sprintf("script exited with code %d", cmd.ProcessState.ExitCode())},
		}, failStep(StepCodeExecution, "step %s: script exited with code %d", step.ID, cmd.ProcessState.ExitCode())
	}

	return &models.StepResult{Success: true, Output: output}, nil
}

// scriptEnv builds the child process env: inherited env, config env, then
// PIPELINE_* variables for the scalar context values
func (e *Engine) scriptEnv(rs *runState, cfg *models.ScriptConfig) []string {
	env := os.Environ()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	for k, v := range cfg.Env {
		env = append(env, k+"="+SubstituteString(v, rs.run.Context))
	}
	for k, v := range rs.run.Context {
		if strings.HasPrefix(k, "__") {
			continue
		}
		switch v.(type) {
		case string, bool, int, int64, float64:
			env = append(env, "PIPELINE_"+strings.ToUpper(k)+"="+stringify(v))
		}
	}
	return env
}

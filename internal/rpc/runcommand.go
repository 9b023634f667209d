package rpc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/tum-esm/edge-gateway/internal/jsonx"
)

const (
	defaultCommandTimeout = 30 * time.Second
	commandPollInterval   = 50 * time.Millisecond
	commandLineBuffer     = 1024
)

// rpcRunCommand spawns a host process and replies with its exit code and
// combined output. A reader goroutine feeds lines into a bounded channel so
// the loop never blocks on stdout consumption; the poll loop drains it and
// drives the kill path when the deadline passes.
func (r *Registry) rpcRunCommand(ctx context.Context, requestID string, params any) {
	p, ok := jsonx.Map(params)
	if !ok {
		r.respondError(requestID, "Running command failed: params is not a dictionary")
		return
	}
	rawCommand, present := p["command"]
	if !present {
		r.respondError(requestID, "Running command failed: missing 'command' in params")
		return
	}
	parts, ok := rawCommand.([]any)
	if !ok || len(parts) == 0 {
		r.respondError(requestID, "Running command failed: 'command' must be a list of strings")
		return
	}
	command := make([]string, 0, len(parts))
	for _, part := range parts {
		s, ok := jsonx.String(part)
		if !ok {
			r.respondError(requestID, "Running command failed: 'command' must be a list of strings")
			return
		}
		command = append(command, s)
	}
	timeout := defaultCommandTimeout
	if raw, present := p["timeout_s"]; present {
		seconds, ok := jsonx.Int(raw)
		if !ok {
			r.respondError(requestID, "Running command failed: 'timeout_s' must be an integer")
			return
		}
		timeout = time.Duration(seconds) * time.Second
	}

	r.log.Info().Strs("command", command).Dur("timeout", timeout).Msg("running command")

	output, exitCode, err := runWithTimeout(ctx, command, timeout)
	if err != nil {
		r.respondError(requestID, fmt.Sprintf("Running command '%v' failed: %s. Output: %s", command, err, output))
		return
	}
	r.respond(requestID, fmt.Sprintf("OK - Command executed - Command '%v' exited with code %d. Output: %s", command, exitCode, output))
}

func runWithTimeout(ctx context.Context, command []string, timeout time.Duration) (string, int, error) {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)

	// Merge stderr into stdout through a single pipe, as the controller's
	// tooling expects interleaved output.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	lines := make(chan string, commandLineBuffer)
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			default:
				// Bounded: drop excess rather than block the reader.
			}
		}
		close(lines)
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		return "", -1, err
	}

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		done <- err
	}()

	var collected []string
	drain := func() {
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				collected = append(collected, line)
			default:
				return
			}
		}
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(commandPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			for line := range lines {
				collected = append(collected, line)
			}
			output := strings.Join(collected, "\n")
			if exitErr, ok := err.(*exec.ExitError); ok {
				return output, exitErr.ExitCode(), nil
			}
			if err != nil {
				return output, -1, err
			}
			return output, 0, nil
		case <-ticker.C:
			drain()
			if time.Now().After(deadline) {
				_ = cmd.Process.Kill()
				<-done
				for line := range lines {
					collected = append(collected, line)
				}
				return strings.Join(collected, "\n"), -1,
					fmt.Errorf("timeout after %s", timeout)
			}
		}
	}
}

// Package claudesdk drives the `claude` CLI as a subprocess in
// `--output-format stream-json --input-format stream-json
// --include-partial-messages` mode, grounded on wingedpig-trellis's
// internal/claude/manager.go (ensureProcess/readLoop/writeStdin/Cancel).
package claudesdk

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/opencode-ai/sessionhost/internal/hosterr"
	"github.com/opencode-ai/sessionhost/internal/logging"
)

var log = logging.Named("runner.claudesdk")

// process wraps one live `claude` subprocess — the EE handle for this
// architecture. One process serves every query for the lifetime of its EE;
// Runner instances spawned against it share its stdin/stdout.
type process struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan json.RawMessage
	done   chan struct{}
	cancel context.CancelFunc
}

// CreateOptions configures the subprocess (workspace dir, resume id).
type CreateOptions struct {
	WorkspaceDir string
	ResumeID     string
}

// StartProcess launches `claude` and begins reading its NDJSON stdout into
// an internal channel; Runner.RunQuery instances drain it while their query
// is active. Mirrors the teacher's ensureProcess + readLoop pair, collapsed
// into one EE-lifetime object instead of being embedded in a session
// struct that also owns conversation history.
func StartProcess(ctx context.Context, opts CreateOptions) (*process, error) {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, "claude", args...)
	cmd.Dir = opts.WorkspaceDir
	cmd.Stderr = os.Stderr

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, hosterr.Wrap(hosterr.EEUnavailable, "creating claude stdin pipe", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, hosterr.Wrap(hosterr.EEUnavailable, "creating claude stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, hosterr.Wrap(hosterr.EEUnavailable, "starting claude process", err)
	}

	p := &process{
		cmd:    cmd,
		lines:  make(chan json.RawMessage, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	p.stdin = stdinPipe

	go p.readLoop(stdoutPipe)
	return p, nil
}

func (p *process) readLoop(stdout interface{ Read([]byte) (int, error) }) {
	defer close(p.lines)
	defer close(p.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		select {
		case p.lines <- json.RawMessage(line):
		case <-p.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("claude stdout scan ended with error")
	}
	if err := p.cmd.Wait(); err != nil {
		log.Debug().Err(err).Msg("claude process exited")
	}
}

func (p *process) writeStdin(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return hosterr.New(hosterr.RunnerFailed, "claude stdin not available")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = p.stdin.Write(data)
	return err
}

// alive reports whether the process is still running, used by the EE
// supervisor's health check.
func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return p.cmd.ProcessState == nil
	}
}

func (p *process) terminate() error {
	p.cancel()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return nil
}

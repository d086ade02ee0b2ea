package controller

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// workerProcess abstracts the spawned worker so session tests can run
// against a scripted in-process fake.
type workerProcess interface {
	Start() error
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Kill()
	// Wait blocks until the process exits and returns its exit code.
	Wait() int
}

// execWorker runs the real worker executable. Worker stderr passes
// straight through so native core output lands in the frontend's logs.
type execWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func spawnExecWorker(cfg Config) (workerProcess, error) {
	if cfg.WorkerPath == "" {
		return nil, fmt.Errorf("no worker executable configured")
	}
	cmd := exec.Command(cfg.WorkerPath, cfg.WorkerArgs...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	return &execWorker{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (w *execWorker) Start() error {
	return w.cmd.Start()
}

func (w *execWorker) Stdin() io.WriteCloser {
	return w.stdin
}

func (w *execWorker) Stdout() io.ReadCloser {
	return w.stdout
}

func (w *execWorker) Kill() {
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
}

func (w *execWorker) Wait() int {
	err := w.cmd.Wait()
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

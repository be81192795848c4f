package executor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// processExitTimeout is how long Close waits for the worker process to exit
// after its stdin is closed before killing it.
const processExitTimeout = 5 * time.Second

// processConn is a worker connection over a child process's stdin/stdout.
type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	closeOnce sync.Once
	closeErr  error
}

// startProcess launches argv and connects to its stdio. The child's stderr
// is passed through so its logs stay visible.
func startProcess(argv []string, logger *slog.Logger) (*processConn, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	logger.Info("worker process started", "command", argv[0], "pid", cmd.Process.Pid)

	return &processConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *processConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close closes the child's stdin, which ends its serve loop, and waits for it
// to exit.
func (p *processConn) Close() error {
	p.closeOnce.Do(func() {
		p.stdin.Close()

		exited := make(chan error, 1)
		go func() { exited <- p.cmd.Wait() }()

		select {
		case err := <-exited:
			if err != nil {
				p.closeErr = fmt.Errorf("worker process: %w", err)
			}
		case <-time.After(processExitTimeout):
			_ = p.cmd.Process.Kill()
			<-exited
			p.closeErr = fmt.Errorf("worker process killed after %s", processExitTimeout)
		}
	})
	return p.closeErr
}

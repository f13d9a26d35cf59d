package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
	"git.home.luguber.info/inful/forgeci/internal/logfields"
	"git.home.luguber.info/inful/forgeci/internal/model"
	"git.home.luguber.info/inful/forgeci/internal/workerpool"
)

// LocalSession executes step commands as child processes of the master. It is
// the in-process worker kind; remote kinds implement the same session
// contract over a transport.
type LocalSession struct {
	name    string
	workDir string

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

// NewLocalSession creates a session executing commands in workDir (empty
// means the master's working directory).
func NewLocalSession(name, workDir string) *LocalSession {
	return &LocalSession{
		name:    name,
		workDir: workDir,
		cancels: make(map[int64]context.CancelFunc),
	}
}

// SendStartCommand starts the process synchronously (the returned error is
// the ack) and streams its output on a goroutine.
func (s *LocalSession) SendStartCommand(ctx context.Context, buildID int64, cmd workerpool.StepCommand, updates chan<- workerpool.Update) error {
	if len(cmd.Argv) == 0 {
		return ferrors.ValidationError("step command is empty").
			WithContext("step", cmd.Name).Build()
	}

	cmdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	proc := exec.CommandContext(cmdCtx, cmd.Argv[0], cmd.Argv[1:]...)
	proc.Dir = s.workDir
	proc.Env = os.Environ()
	for k, v := range cmd.Env {
		proc.Env = append(proc.Env, k+"="+v)
	}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		cancel()
		return ferrors.WorkerError("attach stdout").WithContext("step", cmd.Name).Build()
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		cancel()
		return ferrors.WorkerError("attach stderr").WithContext("step", cmd.Name).Build()
	}

	if err := proc.Start(); err != nil {
		cancel()
		return ferrors.WorkerError("start step command").
			WithContext("step", cmd.Name).
			WithContext("command", cmd.Argv[0]).Build()
	}

	s.mu.Lock()
	s.cancels[buildID] = cancel
	s.mu.Unlock()

	go s.stream(cmdCtx, buildID, proc, stdout, stderr, updates)
	return nil
}

func (s *LocalSession) stream(ctx context.Context, buildID int64, proc *exec.Cmd, stdout, stderr io.Reader, updates chan<- workerpool.Update) {
	defer close(updates)

	var wg sync.WaitGroup
	emit := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			updates <- workerpool.Update{BuildID: buildID, LogLine: scanner.Text()}
		}
	}
	wg.Add(2)
	go emit(stdout)
	go emit(stderr)
	wg.Wait()

	err := proc.Wait()

	s.mu.Lock()
	if cancel, ok := s.cancels[buildID]; ok {
		delete(s.cancels, buildID)
		cancel()
	}
	s.mu.Unlock()

	final := workerpool.Update{BuildID: buildID, Done: true}
	switch {
	case err == nil:
		final.Results = model.Success
	case ctx.Err() != nil:
		final.Results = model.Cancelled
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			final.Results = model.Failure
		} else {
			final.Results = model.Exception
		}
		final.Err = err.Error()
	}
	updates <- final
}

// SendInterrupt kills the command running for the build, if any.
func (s *LocalSession) SendInterrupt(buildID int64, reason string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[buildID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	slog.Info("interrupting step command",
		logfields.Worker(s.name),
		logfields.BuildID(buildID),
		logfields.Reason(reason))
	cancel()
	return nil
}

// Close interrupts everything still running.
func (s *LocalSession) Close() error {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.cancels = make(map[int64]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

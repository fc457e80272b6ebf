package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dhelbig/cratesync/internal/metrics"
)

// Spec describes one background job invocation.
type Spec struct {
	JobID       string
	Command     string // plain argv, or /bin/sh -c when metacharacters are present
	WorkDir     string
	ProgressDir string
	OutputPath  string // final combined stdout+stderr; empty to skip
}

// buildCommand turns the command string into an exec.Cmd. Simple
// commands run directly so that a missing binary fails at Start;
// shell metacharacters fall back to /bin/sh -c. An empty command is
// an error: there is nothing meaningful to run or report completed.
func buildCommand(cmdStr string) (*exec.Cmd, error) {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return nil, errors.New("runner: empty command")
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204 -- the command comes from the operator's own import config
		return exec.Command("/bin/sh", "-c", cmdStr), nil
	}
	fields := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(fields[0], fields[1:]...), nil
}

// state collects output lines and rewrites the progress record after
// each append. Guarded by a mutex: one goroutine per pipe feeds it.
// Per-stream line order is preserved; interleaving between the two
// streams is not guaranteed.
type state struct {
	mu      sync.Mutex
	path    string
	p       Progress
	scanErr error
	log     *slog.Logger
}

// setScanErr records the first pipe capture failure, e.g. a line
// larger than the scanner buffer aborting the rest of that stream.
func (s *state) setScanErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanErr == nil {
		s.scanErr = err
	}
}

func (s *state) appendLine(line string) {
	s.mu.Lock()
	s.p.Output = append(s.p.Output, line)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if err := writeProgress(s.path, snap); err != nil {
		s.log.Warn("progress write failed", "path", s.path, "err", err)
	}
}

func (s *state) snapshotLocked() Progress {
	cp := s.p
	cp.Output = append([]string(nil), s.p.Output...)
	return cp
}

// Run executes the spec's command, streaming its output into the
// persisted progress record, and returns the process exit code to
// mirror: the command's own code on normal completion, or 1 when the
// command could not be launched at all (in which case the terminal
// record is written without ever passing through running).
func Run(ctx context.Context, spec Spec, log *slog.Logger) int {
	if log == nil {
		log = slog.Default()
	}
	path := ProgressPath(spec.ProgressDir, spec.JobID)
	st := &state{
		path: path,
		p:    Progress{Status: StatusRunning, Output: []string{}, StartedAt: time.Now().UTC()},
		log:  log,
	}

	cmd, err := buildCommand(spec.Command)
	if err != nil {
		return launchFailure(st, err, log)
	}
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return launchFailure(st, err, log)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return launchFailure(st, err, log)
	}
	if err := cmd.Start(); err != nil {
		return launchFailure(st, err, log)
	}

	if err := writeProgress(path, st.snapshot()); err != nil {
		log.Warn("initial progress write failed", "path", path, "err", err)
	}
	metrics.AddJobsRunning(1)
	defer metrics.AddJobsRunning(-1)
	log.Info("job started", "id", spec.JobID, "pid", cmd.Process.Pid)

	// Kill the whole process group if the caller gives up.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		case <-waitDone:
		}
	}()

	var wg sync.WaitGroup
	for _, pipe := range []io.Reader{stdout, stderr} {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			sc := bufio.NewScanner(r)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				st.appendLine(sc.Text())
			}
			if err := sc.Err(); err != nil {
				st.setScanErr(err)
				log.Warn("output capture aborted", "err", err)
				// keep draining so the child never blocks on a full pipe
				_, _ = io.Copy(io.Discard, r)
			}
		}(pipe)
	}
	wg.Wait()
	waitErr := cmd.Wait()
	close(waitDone)

	exit := 0
	if waitErr != nil {
		exit = 1
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			exit = ee.ExitCode()
		}
	}
	finalize(st, exit, waitErr, log)
	log.Info("job finished", "id", spec.JobID, "exit", exit)

	if spec.OutputPath != "" {
		st.mu.Lock()
		combined := strings.Join(st.p.Output, "\n")
		st.mu.Unlock()
		if combined != "" {
			combined += "\n"
		}
		if err := os.WriteFile(spec.OutputPath, []byte(combined), 0o640); err != nil {
			log.Warn("output file write failed", "path", spec.OutputPath, "err", err)
		}
	}
	return exit
}

func (s *state) snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// finalize writes the terminal record. started_at is read back from
// the file on disk rather than recomputed, so pollers can derive total
// duration even across runner restarts of the same record.
func finalize(st *state, exit int, waitErr error, log *slog.Logger) {
	st.mu.Lock()
	if prev, err := ReadProgress(st.path); err == nil && !prev.StartedAt.IsZero() {
		st.p.StartedAt = prev.StartedAt
	}
	now := time.Now().UTC()
	st.p.FinishedAt = &now
	st.p.ExitCode = &exit
	if exit == 0 {
		st.p.Status = StatusCompleted
	} else {
		st.p.Status = StatusError
		if waitErr != nil {
			st.p.Error = waitErr.Error()
		}
	}
	if st.p.Error == "" && st.scanErr != nil {
		st.p.Error = "output capture aborted: " + st.scanErr.Error()
	}
	snap := st.snapshotLocked()
	st.mu.Unlock()
	if err := writeProgress(st.path, snap); err != nil {
		log.Error("terminal progress write failed", "path", st.path, "err", err)
	}
}

// launchFailure short-circuits to a terminal error record: the job
// never entered running.
func launchFailure(st *state, err error, log *slog.Logger) int {
	exit := 1
	now := time.Now().UTC()
	st.p.Status = StatusError
	st.p.Error = err.Error()
	st.p.ExitCode = &exit
	st.p.FinishedAt = &now
	if werr := writeProgress(st.path, st.p); werr != nil {
		log.Error("terminal progress write failed", "path", st.path, "err", werr)
	}
	log.Error("job launch failed", "err", err)
	return exit
}

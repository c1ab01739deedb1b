// Package daemon detaches an experiment run from the controlling
// terminal. The parent re-executes itself with a marker environment
// variable and exits; the child owns the experiment, publishes a PID
// file under <output_dir>/experiments/active/, and shuts down
// cooperatively on SIGINT, SIGTERM, or a STOP sentinel file.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/pidgin/internal/observability"
)

// ChildEnv marks the detached child process. The CLI checks IsChild at
// startup to decide whether to spawn or to run.
const ChildEnv = "PIDGIN_DAEMON_CHILD"

// StopSentinel is the file name that requests shutdown when written
// into the experiment directory. It covers environments where signal
// delivery to the daemon is awkward.
const StopSentinel = "STOP"

var stopPollInterval = time.Second

// PIDFile is the parsed contents of an active/<exp_id>.pid file.
type PIDFile struct {
	Path      string
	PID       int
	StartedAt time.Time
}

// ActiveDir returns the directory holding PID files for running
// experiments.
func ActiveDir(outputDir string) string {
	return filepath.Join(outputDir, "experiments", "active")
}

// PIDPath returns the PID file path for an experiment.
func PIDPath(outputDir, experimentID string) string {
	return filepath.Join(ActiveDir(outputDir), experimentID+".pid")
}

// WritePIDFile publishes the current process under active/<exp_id>.pid.
// Format is "<pid>\n<started_at>\n" with an RFC 3339 timestamp.
func WritePIDFile(outputDir, experimentID string) (string, error) {
	if err := os.MkdirAll(ActiveDir(outputDir), 0o755); err != nil {
		return "", fmt.Errorf("daemon: create active dir: %w", err)
	}
	path := PIDPath(outputDir, experimentID)
	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("daemon: write pid file: %w", err)
	}
	return path, nil
}

// ReadPIDFile parses a PID file written by WritePIDFile.
func ReadPIDFile(path string) (*PIDFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 1 {
		return nil, fmt.Errorf("daemon: empty pid file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("daemon: bad pid in %s", path)
	}
	pf := &PIDFile{Path: path, PID: pid}
	if len(lines) > 1 {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil {
			pf.StartedAt = ts
		}
	}
	return pf, nil
}

// IsAlive reports whether the process still exists. Signal 0 probes
// without delivering anything.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// IsChild reports whether this process is the detached daemon child.
func IsChild() bool {
	return os.Getenv(ChildEnv) == "1"
}

// Spawn re-executes the current binary detached in its own session,
// with stdout and stderr redirected to startup.log inside the
// experiment directory. Returns the child PID.
func Spawn(experimentDir string, args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("daemon: resolve executable: %w", err)
	}
	startupLog, err := os.OpenFile(filepath.Join(experimentDir, "startup.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("daemon: open startup.log: %w", err)
	}
	defer startupLog.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), ChildEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = startupLog
	cmd.Stderr = startupLog
	cmd.SysProcAttr = detachAttrs()

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("daemon: start child: %w", err)
	}
	pid := cmd.Process.Pid
	// The child outlives us; drop the handle so the parent can exit.
	_ = cmd.Process.Release()
	return pid, nil
}

// Run executes fn with a context that is cancelled by SIGINT, SIGTERM,
// or the appearance of <experimentDir>/STOP. It publishes the PID file
// before running and removes it afterwards, whatever fn returns.
func Run(ctx context.Context, outputDir, experimentDir, experimentID string, log *observability.Logger, fn func(context.Context) error) error {
	pidPath, err := WritePIDFile(outputDir, experimentID)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	setProcessName("pidgin-" + shortID(experimentID))

	ctx = observability.WithStopSource(ctx)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sentinel := filepath.Join(experimentDir, StopSentinel)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		ticker := time.NewTicker(stopPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := os.Stat(sentinel); err == nil {
					if log != nil {
						log.Info(ctx, "stop sentinel detected", "path", sentinel)
					}
					observability.MarkStopSource(ctx, "stop_file")
					cancel()
					return
				}
			}
		}
	}()

	runErr := fn(ctx)

	cancel()
	<-watcherDone
	os.Remove(sentinel)
	return runErr
}

// RequestStop asks a running experiment to shut down. It signals the
// PID from the PID file when the process is alive, and always writes
// the STOP sentinel as a fallback.
func RequestStop(outputDir, experimentDir, experimentID string) error {
	sentinel := filepath.Join(experimentDir, StopSentinel)
	if err := os.WriteFile(sentinel, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("daemon: write stop sentinel: %w", err)
	}

	pf, err := ReadPIDFile(PIDPath(outputDir, experimentID))
	if err != nil {
		// No PID file means no live daemon; the sentinel still stops a
		// foreground run that polls the directory.
		return nil
	}
	if !IsAlive(pf.PID) {
		os.Remove(pf.Path)
		return nil
	}
	proc, err := os.FindProcess(pf.PID)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("daemon: signal pid %d: %w", pf.PID, err)
	}
	return nil
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "exp_")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

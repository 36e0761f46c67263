// Package daemon backgrounds the controller for `aldctl run -d` and gives
// the other commands a way to find, query, and stop that process.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// envMarker tells a re-exec'd child it is the backgrounded controller.
const envMarker = "_ALDCTL_DAEMON"

// WritePID records the current process in the PID file, creating the
// parent directory if needed.
func WritePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePID deletes the PID file. Missing files are not an error.
func RemovePID(path string) {
	os.Remove(path)
}

// ReadPID returns the recorded PID, or 0 when no PID file exists.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("corrupt PID file %s: %w", path, err)
	}
	return pid, nil
}

// IsRunning reports whether the recorded controller process is alive.
// A stale PID file left by a crashed controller is removed on the way.
func IsRunning(path string) (int, bool) {
	pid, err := ReadPID(path)
	if err != nil || pid == 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// Signal 0 probes for existence without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		RemovePID(path)
		return pid, false
	}
	return pid, true
}

// Background re-execs the current binary with the daemon marker set,
// detached from the terminal, with stdout and stderr appended to logPath.
func Background(args []string, logPath string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), envMarker+"=1")
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	logFile.Close()

	return cmd.Process.Pid, nil
}

// IsDaemonProcess reports whether this process is the backgrounded child.
func IsDaemonProcess() bool {
	return os.Getenv(envMarker) == "1"
}

// Stop sends SIGTERM to the recorded controller and waits up to timeout
// for it to drain and exit, escalating to SIGKILL afterwards. The wait is
// generous on purpose: a controller mid-recipe finishes its terminal
// datastore writes before exiting.
func Stop(pidPath string, timeout time.Duration) error {
	pid, alive := IsRunning(pidPath)
	if !alive {
		return fmt.Errorf("controller is not running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			RemovePID(pidPath)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	proc.Signal(syscall.SIGKILL)
	RemovePID(pidPath)
	return fmt.Errorf("controller did not exit within %s, sent SIGKILL", timeout)
}

//go:build windows

package process

import (
	"errors"
	"os"
)

// Windows has no signalable process groups; both stop paths terminate the
// process itself (children started with CREATE_NEW_PROCESS_GROUP go with it
// only when they exit on their parent's console close).

func terminateGroup(pid int) error { return terminatePID(pid) }

func killGroup(pid int) error { return terminatePID(pid) }

func terminatePID(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		// OpenProcess fails once the process is gone
		return nil
	}
	defer func() { _ = p.Release() }()
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func exitSignal(*os.ProcessState) string { return "" }

//go:build windows

package downloader

import (
	"errors"
	"os"
	"os/exec"
)

func prepareCommand(*exec.Cmd) {}

// Windows has no deliverable SIGINT for console children; graceful stop kills.
func interruptProcess(p *os.Process) error { return killProcess(p) }

func killProcess(p *os.Process) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

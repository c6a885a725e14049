package downloader

import (
	"errors"
	"os"
	"sync"
)

var errStopRequested = errors.New("stop requested")

// ProcessHandle follows whichever external process is running for a job.
//
// Stop methods never block; they signal the current process group and
// prevent later stages from starting.
type ProcessHandle struct {
	mu       sync.Mutex
	proc     *os.Process
	stopping bool
}

func NewProcessHandle() *ProcessHandle { return &ProcessHandle{} }

// attach binds a freshly started process. If stop was already requested the
// process is killed and errStopRequested returned.
func (h *ProcessHandle) attach(p *os.Process) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = p
	if h.stopping {
		_ = killProcess(p)
		return errStopRequested
	}
	return nil
}

func (h *ProcessHandle) detach() {
	h.mu.Lock()
	h.proc = nil
	h.mu.Unlock()
}

// Stopping reports whether a stop was requested.
func (h *ProcessHandle) Stopping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

func (h *ProcessHandle) GracefulStop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopping = true
	if h.proc == nil {
		return nil
	}
	return interruptProcess(h.proc)
}

func (h *ProcessHandle) ForceStop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopping = true
	if h.proc == nil {
		return nil
	}
	return killProcess(h.proc)
}

// Terminated reports that stop was requested and no process is running.
func (h *ProcessHandle) Terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping && h.proc == nil
}

package process

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Handle is a spawned process. The parent ends of its pipes are exposed for
// the I/O bridge; the bridge owns closing Stdout and Stderr.
type Handle struct {
	Pid    int
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	cmd       *exec.Cmd
	done      chan struct{}
	exitCode  int
	signal    string
	stdinOnce sync.Once
	stopOnce  sync.Once
}

func (h *Handle) wait() {
	_ = h.cmd.Wait()
	if st := h.cmd.ProcessState; st != nil {
		h.exitCode = st.ExitCode()
		if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			h.signal = ws.Signal().String()
		}
	} else {
		h.exitCode = -1
	}
	close(h.done)
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the exit status, or -1 when the process was killed by a
// signal. Only meaningful after Done is closed.
func (h *Handle) ExitCode() int {
	<-h.done
	return h.exitCode
}

// Signal names the signal that killed the process, or "" if it exited.
func (h *Handle) Signal() string {
	<-h.done
	return h.signal
}

// CloseStdin closes the write end of the child's stdin. Idempotent.
func (h *Handle) CloseStdin() {
	h.stdinOnce.Do(func() {
		h.Stdin.Close()
	})
}

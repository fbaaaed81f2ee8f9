package session

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperr "polyrun/internal/errors"
	"polyrun/internal/process"
)

const readChunkSize = 32 * 1024

type inputChunk struct {
	data []byte
	eof  bool
}

// bridge relays bytes between a process and its session: one pump per output
// stream and a single writer draining the input queue into stdin.
type bridge struct {
	h         *process.Handle
	emit      func(OutputEventType, []byte)
	logger    *zap.Logger
	maxOutput int64

	mu          sync.Mutex
	input       chan inputChunk
	inputClosed bool
	inputErr    error
	stopped     bool

	stop      chan struct{}
	pumps     sync.WaitGroup
	pumpsDone chan struct{}
	written   atomic.Int64
	limit     chan struct{}
	limitOnce sync.Once
	closeOnce sync.Once
}

func newBridge(h *process.Handle, queueSize int, maxOutput int64, emit func(OutputEventType, []byte), logger *zap.Logger) *bridge {
	return &bridge{
		h:         h,
		emit:      emit,
		logger:    logger,
		maxOutput: maxOutput,
		input:     make(chan inputChunk, queueSize),
		stop:      make(chan struct{}),
		pumpsDone: make(chan struct{}),
		limit:     make(chan struct{}),
	}
}

func (b *bridge) start() {
	b.pumps.Add(2)
	go b.pump(b.h.Stdout, OutputStdout)
	go b.pump(b.h.Stderr, OutputStderr)
	go func() {
		b.pumps.Wait()
		close(b.pumpsDone)
	}()
	go b.writeLoop()
}

// pump forwards whatever a read returns, so interactive prompts without a
// trailing newline reach the client immediately.
func (b *bridge) pump(f *os.File, stream OutputEventType) {
	defer b.pumps.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			b.deliver(stream, data)
		}
		if err != nil {
			return
		}
	}
}

func (b *bridge) deliver(stream OutputEventType, data []byte) {
	if b.maxOutput <= 0 {
		b.emit(stream, data)
		return
	}
	total := b.written.Add(int64(len(data)))
	if total <= b.maxOutput {
		b.emit(stream, data)
		return
	}
	if over := total - b.maxOutput; over < int64(len(data)) {
		b.emit(stream, data[:int64(len(data))-over])
	}
	b.limitOnce.Do(func() { close(b.limit) })
}

// limitExceeded is closed once the output cap has been crossed.
func (b *bridge) limitExceeded() <-chan struct{} {
	return b.limit
}

// Enqueue queues bytes for stdin without blocking. eof closes stdin after
// the pending writes.
func (b *bridge) Enqueue(data []byte, eof bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return apperr.New(apperr.SessionNotRunning)
	}
	if b.inputErr != nil {
		return apperr.Wrapf(b.inputErr, apperr.SessionNotRunning, "stdin unavailable")
	}
	if b.inputClosed {
		return apperr.Newf(apperr.SessionNotRunning, "stdin already closed")
	}

	chunk := inputChunk{data: append([]byte(nil), data...), eof: eof}
	select {
	case b.input <- chunk:
		b.inputClosed = eof
		return nil
	default:
		return apperr.New(apperr.InputQueueFull)
	}
}

func (b *bridge) writeLoop() {
	for {
		select {
		case c := <-b.input:
			if len(c.data) > 0 {
				if _, err := b.h.Stdin.Write(c.data); err != nil {
					b.logger.Debug("stdin write failed", zap.Error(err))
					b.mu.Lock()
					b.inputErr = err
					b.mu.Unlock()
					b.h.CloseStdin()
					return
				}
			}
			if c.eof {
				b.h.CloseStdin()
				return
			}
		case <-b.stop:
			return
		}
	}
}

// waitPumps waits up to timeout for both output streams to reach EOF.
func (b *bridge) waitPumps(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.pumpsDone:
		return true
	case <-timer.C:
		return false
	}
}

// close stops input and closes the output pipes, forcing the pumps out.
func (b *bridge) close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		close(b.stop)
		b.h.Stdout.Close()
		b.h.Stderr.Close()
	})
}

package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zjrosen/biomcp/internal/log"
)

const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxLine       = 10 * 1024 * 1024
	lineBuffer           = 64
)

// Transport is a bidirectional newline-framed byte stream.
type Transport interface {
	// Send writes one message. A trailing newline is added when missing.
	Send(ctx context.Context, line []byte) error
	// ReceiveLine returns the next line without its newline. It fails with
	// ErrTimeout when ctx's deadline passes first.
	ReceiveLine(ctx context.Context) ([]byte, error)
	Close() error
}

// StreamTransport frames an arbitrary reader/writer pair by newline.
type StreamTransport struct {
	w       io.WriteCloser
	writeMu sync.Mutex

	lines    chan []byte
	readErr  error
	done     chan struct{}
	readDone chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Transport = (*StreamTransport)(nil)

// NewStreamTransport starts reading lines from r. Close closes w but not r;
// the reader goroutine exits when r reaches EOF or the transport is closed.
func NewStreamTransport(r io.Reader, w io.WriteCloser) *StreamTransport {
	t := &StreamTransport{
		w:        w,
		lines:    make(chan []byte, lineBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go t.readLoop(r)
	return t
}

func (t *StreamTransport) readLoop(r io.Reader) {
	defer close(t.readDone)
	defer close(t.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxLine)
	for scanner.Scan() {
		raw := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(raw) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		select {
		case t.lines <- line:
		case <-t.done:
			t.readErr = ErrTransportClosed
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatBridge, "stdout scanner error", "error", err)
		t.readErr = err
		return
	}
	t.readErr = io.EOF
}

// Send writes line followed by a newline.
func (t *StreamTransport) Send(ctx context.Context, line []byte) error {
	if t.closed.Load() {
		return &TransportError{Op: "send", Err: ErrTransportClosed}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		framed := make([]byte, len(line)+1)
		copy(framed, line)
		framed[len(line)] = '\n'
		line = framed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(line); err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("%w: %v", ErrTransportClosed, err)}
	}
	return nil
}

// ReceiveLine returns the next complete line.
func (t *StreamTransport) ReceiveLine(ctx context.Context) ([]byte, error) {
	select {
	case line, ok := <-t.lines:
		if !ok {
			return nil, &TransportError{Op: "receive", Err: t.readErr}
		}
		return line, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("receive line: %w", ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// Close closes the write side and stops line delivery. It is idempotent.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		err = t.w.Close()
	})
	return err
}

// ReadDone is closed once the reader goroutine has exited.
func (t *StreamTransport) ReadDone() <-chan struct{} {
	return t.readDone
}

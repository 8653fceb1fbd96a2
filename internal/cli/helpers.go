package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalContext is a context cancelled on SIGINT or SIGTERM that remembers
// which signal cancelled it.
type SignalContext struct {
	context.Context
	Cancel context.CancelFunc

	mu  sync.Mutex
	sig os.Signal
}

// NewSignalContext works like signal.NotifyContext but keeps the signal.
func NewSignalContext(parent context.Context) *SignalContext {
	ctx, cancel := context.WithCancel(parent)
	sc := &SignalContext{Context: ctx, Cancel: cancel}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			sc.mu.Lock()
			sc.sig = sig
			sc.mu.Unlock()
			cancel()
		case <-ctx.Done():
		}
	}()
	return sc
}

// Signal returns the signal that cancelled the context, or nil.
func (sc *SignalContext) Signal() os.Signal {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sig
}

// IsInterrupted reports whether err comes from a cancelled context or a
// closed input.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)
}

// HandleExecutionError maps interruptions to a clean exit.
func HandleExecutionError(err error) error {
	if err == nil || IsInterrupted(err) {
		return nil
	}
	return err
}

// inputPump reads lines in the background so a blocked read never holds up
// cancellation.
type inputPump struct {
	lines chan string
	errc  chan error
}

func newInputPump(r io.Reader) *inputPump {
	p := &inputPump{lines: make(chan string), errc: make(chan error, 1)}
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
		err := sc.Err()
		if err == nil {
			err = io.EOF
		}
		p.errc <- err
	}()
	return p
}

// next blocks until a line is read, the input ends or ctx is done.
func (p *inputPump) next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line := <-p.lines:
		return line, nil
	case err := <-p.errc:
		return "", err
	}
}

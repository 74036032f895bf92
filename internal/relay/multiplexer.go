package relay

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/michaelbrown/coderelay/internal/process"
)

// Stream names one of the interpreter's output streams.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// LineSource yields lines until io.EOF.
type LineSource interface {
	ReadLine() ([]byte, error)
}

// Process is what the multiplexer needs from a running interpreter.
type Process interface {
	Stdout() LineSource
	Stderr() LineSource
	Wait() (process.ExitStatus, error)
	Kill() error
}

type handleProcess struct{ h *process.Handle }

// FromHandle adapts a spawned interpreter to Process.
func FromHandle(h *process.Handle) Process { return handleProcess{h: h} }

func (p handleProcess) Stdout() LineSource                 { return p.h.Stdout }
func (p handleProcess) Stderr() LineSource                 { return p.h.Stderr }
func (p handleProcess) Wait() (process.ExitStatus, error) { return p.h.Wait() }
func (p handleProcess) Kill() error                        { return p.h.Kill() }

type lineEvent struct {
	line []byte
	err  error
}

type exitEvent struct {
	status process.ExitStatus
	err    error
}

// Multiplex relays every line from both of p's streams to sink in the
// order the reads complete, then waits for p to exit. The exit wait is
// armed only once both streams have reached end of stream, so no buffered
// output can be lost to an early status read.
//
// onLine, if non-nil, is called after each line is delivered.
//
// On a read or write failure the process is killed and reaped before the
// error is returned.
func Multiplex(p Process, sink LineSink, onLine func(Stream)) (process.ExitStatus, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pumps sync.WaitGroup
	stdout := pump(ctx, &pumps, p.Stdout())
	stderr := pump(ctx, &pumps, p.Stderr())

	stdoutOpen, stderrOpen := true, true
	var exited chan exitEvent

	abort := func(err error) (process.ExitStatus, error) {
		cancel()
		_ = p.Kill()
		// Wait closes the pipes, which unblocks any pump still reading.
		_, _ = p.Wait()
		pumps.Wait()
		return process.ExitStatus{}, err
	}

	relay := func(s Stream, ev lineEvent) error {
		if ev.err != nil {
			return wrap(ErrStreamRead, "reading "+s.String(), ev.err)
		}
		if err := sink.WriteLine(ev.line); err != nil {
			return wrap(ErrClientWrite, "writing "+s.String()+" line", err)
		}
		if onLine != nil {
			onLine(s)
		}
		return nil
	}

	for {
		select {
		case ev, ok := <-stdout:
			if !ok {
				stdoutOpen, stdout = false, nil
			} else if err := relay(Stdout, ev); err != nil {
				return abort(err)
			}

		case ev, ok := <-stderr:
			if !ok {
				stderrOpen, stderr = false, nil
			} else if err := relay(Stderr, ev); err != nil {
				return abort(err)
			}

		case res := <-exited:
			pumps.Wait()
			if res.err != nil {
				return process.ExitStatus{}, wrap(ErrProcessWait, "waiting for interpreter", res.err)
			}
			return res.status, nil
		}

		// A nil channel never fires, so exited stays disarmed until both
		// streams are exhausted.
		if !stdoutOpen && !stderrOpen && exited == nil {
			exited = make(chan exitEvent, 1)
			go func() {
				status, err := p.Wait()
				exited <- exitEvent{status: status, err: err}
			}()
		}
	}
}

// pump reads src on its own goroutine. The returned channel is closed at
// end of stream; a read error is delivered once and then the channel closes.
func pump(ctx context.Context, wg *sync.WaitGroup, src LineSource) <-chan lineEvent {
	ch := make(chan lineEvent)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(ch)
		for {
			line, err := src.ReadLine()
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case ch <- lineEvent{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

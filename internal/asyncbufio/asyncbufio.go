// Package asyncbufio provides asynchronous writing to an underlying
// io.Writer using buffered channels, so that callers on a sampling schedule
// never wait on disk latency.
package asyncbufio

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// Writer moves data from a channel to an underlying buffered writer in its
// own goroutine. Write applies backpressure: when the channel fills, Write
// blocks until the drain goroutine catches up, rather than dropping data.
// Errors from the underlying writer are sticky and reported on the next
// Write, Flush, or Close.
type Writer struct {
	writer        *bufio.Writer // Buffered writer: this does the writing
	flushNow      chan struct{} // Ask the write loop to flush
	flushComplete chan struct{} // The write loop's flush has finished
	datachannel   chan []byte   // Holds data before writing it
	done          chan struct{} // Closed when the write loop exits
	flushInterval time.Duration // Period of unrequested flushes

	errLock sync.Mutex
	err     error // first underlying write error
}

// NewWriter creates a Writer draining into w and starts its write loop.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		done:          make(chan struct{}),
		flushInterval: flushInterval,
	}

	go aw.writeLoop()
	return aw
}

// Write sends data to the write loop, taking ownership of p. It blocks when
// the channel is full.
func (aw *Writer) Write(p []byte) (int, error) {
	if err := aw.firstError(); err != nil {
		return 0, err
	}
	select {
	case <-aw.done:
		return 0, io.ErrClosedPipe
	default:
	}
	select {
	case aw.datachannel <- p:
		return len(p), nil
	case <-aw.done:
		return 0, io.ErrClosedPipe
	}
}

// WriteString sends a string to the channel for later writing (with an
// annoying copy--sorry!)
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Flush empties the channel into the underlying writer and flushes it.
// Blocks until the flush is complete. Calling Flush after Close panics.
func (aw *Writer) Flush() error {
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return aw.firstError()
}

// Close flushes remaining data and stops the write loop. Calling Close twice
// panics--we don't test for that case.
func (aw *Writer) Close() error {
	close(aw.flushNow)
	<-aw.flushComplete
	return aw.firstError()
}

// writeLoop continuously moves data from the channel to the writer.
func (aw *Writer) writeLoop() {
	defer close(aw.done)
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			if _, err := aw.writer.Write(data); err != nil {
				aw.setError(err)
			}

		case _, ok := <-aw.flushNow:
			aw.flush()
			// Signal whoever requested this that flushing is done
			aw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

// flush empties the datachannel before finally calling the underlying
// writer's Flush method.
func (aw *Writer) flush() {
	for {
		select {
		case data := <-aw.datachannel:
			if _, err := aw.writer.Write(data); err != nil {
				aw.setError(err)
			}
		default:
			if err := aw.writer.Flush(); err != nil {
				aw.setError(err)
			}
			return
		}
	}
}

func (aw *Writer) setError(err error) {
	aw.errLock.Lock()
	if aw.err == nil {
		aw.err = err
	}
	aw.errLock.Unlock()
}

func (aw *Writer) firstError() error {
	aw.errLock.Lock()
	defer aw.errLock.Unlock()
	return aw.err
}

// Package blockwriter stores retained blocks in a NumPy .npz archive, writing
// from its own goroutine so that disk latency never reaches the acquisition loop.
package blockwriter

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sbinet/npyio/npz"
	"github.com/usnistgov/dastream"
)

// ErrClosed is returned by Consume after Close.
var ErrClosed = errors.New("block writer is closed")

// Writer saves each block as a scans-by-channels float64 array named for its
// first scan. At Close it adds an array "first_scans" listing every block in order.
type Writer struct {
	file          *os.File
	buffered      *bufio.Writer // the npz archive writes through this
	archive       *npz.Writer
	blocks        chan dastream.Block
	flushInterval time.Duration
	done          chan struct{}
	firstScans    []int64

	closed bool
	sync.Mutex // guards closed and sends on blocks

	err     error // first write error, if any
	errLock sync.Mutex
}

// Create opens path for writing. Up to depth blocks may wait to be written.
// The file is flushed at least every flushInterval, if it is positive.
func Create(path string, depth int, flushInterval time.Duration) (*Writer, error) {
	if depth < 1 {
		depth = 1
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		file:          file,
		buffered:      bufio.NewWriterSize(file, 1<<16),
		blocks:        make(chan dastream.Block, depth),
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
	w.archive = npz.NewWriter(w.buffered)
	go w.writeLoop()
	return w, nil
}

// Ready reports whether a block can be queued without waiting.
func (w *Writer) Ready() bool {
	return len(w.blocks) < cap(w.blocks)
}

// Consume queues a copy of b for writing. It returns the first error met by
// earlier writes, if there was one.
func (w *Writer) Consume(b dastream.Block) error {
	w.Lock()
	defer w.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.firstError(); err != nil {
		return err
	}
	w.blocks <- b.Clone()
	return nil
}

func (w *Writer) writeLoop() {
	defer close(w.done)
	var tick <-chan time.Time
	if w.flushInterval > 0 {
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case b, ok := <-w.blocks:
			if !ok {
				return
			}
			w.write(b)
		case <-tick:
			if err := w.buffered.Flush(); err != nil {
				w.fail(err)
			}
		}
	}
}

func (w *Writer) write(b dastream.Block) {
	m := b.Matrix()
	if m == nil {
		return
	}
	name := fmt.Sprintf("scan%012d", b.FirstScan)
	if err := w.archive.Write(name, m); err != nil {
		w.fail(fmt.Errorf("writing block %s: %w", name, err))
		return
	}
	w.firstScans = append(w.firstScans, b.FirstScan)
}

func (w *Writer) firstError() error {
	w.errLock.Lock()
	defer w.errLock.Unlock()
	return w.err
}

func (w *Writer) fail(err error) {
	w.errLock.Lock()
	defer w.errLock.Unlock()
	if w.err == nil {
		w.err = err
		dastream.ProblemLogger.Printf("Block writer failed: %v", err)
	}
}

// Close writes every queued block and the index, then closes the file.
func (w *Writer) Close() error {
	w.Lock()
	if w.closed {
		w.Unlock()
		return nil
	}
	w.closed = true
	close(w.blocks)
	w.Unlock()
	<-w.done

	firstScans := w.firstScans
	if firstScans == nil {
		firstScans = []int64{}
	}
	errs := []error{w.firstError()}
	errs = append(errs, w.archive.Write("first_scans", firstScans))
	errs = append(errs, w.archive.Close())
	errs = append(errs, w.buffered.Flush())
	errs = append(errs, w.file.Close())
	return errors.Join(errs...)
}

// Blocks returns the number of blocks written so far. Call it only after Close.
func (w *Writer) Blocks() int {
	return len(w.firstScans)
}

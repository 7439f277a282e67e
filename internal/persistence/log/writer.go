package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultQueue = 65536
	maxBatch     = 512
)

var ErrQueueFull = errors.New("change log queue full")

// Writer appends entries to hourly files <prefix>-YYYY-MM-DD-HH.jsonl.zst
// under dir from one background goroutine. Every batch is closed as its own
// zstd frame, so whatever Stats reports as written can be decoded while the
// file is still open.
type Writer struct {
	dir    string
	prefix string

	mu     sync.RWMutex
	closed bool
	ch     chan Entry
	done   chan struct{}
	err    error

	// Owned by the loop goroutine.
	hour    string
	f       *os.File
	enc     *zstd.Encoder
	buf     *bufio.Writer
	inFrame int

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter starts the writer loop. A queue size of zero means 65536.
func NewWriter(dir, prefix string, queue int) *Writer {
	if queue <= 0 {
		queue = defaultQueue
	}
	w := &Writer{
		dir:    dir,
		prefix: prefix,
		ch:     make(chan Entry, queue),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Append queues e without blocking. A full queue drops the entry.
func (w *Writer) Append(e Entry) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return ErrQueueFull
	}
	select {
	case w.ch <- e:
		return nil
	default:
		w.dropped.Add(1)
		return ErrQueueFull
	}
}

// Close drains the queue, ends the open frame and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
	<-w.done
	return w.err
}

type WriterStats struct {
	Written uint64
	Dropped uint64
	Failed  uint64
	Queued  int
}

func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
		Queued:  len(w.ch),
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for e := range w.ch {
		batch := []Entry{e}
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-w.ch:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		for _, e := range batch {
			if err := w.encode(e); err != nil {
				w.failed.Add(1)
			}
		}
		w.endFrame()
	}
	w.err = w.closeFile()
}

func hourOf(e Entry) string {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return at.UTC().Format("2006-01-02-15")
}

func (w *Writer) encode(e Entry) error {
	if hour := hourOf(e); hour != w.hour || w.f == nil {
		w.endFrame()
		if err := w.closeFile(); err != nil {
			return err
		}
		if err := w.open(hour); err != nil {
			return err
		}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if w.inFrame == 0 {
		w.enc.Reset(w.f)
		w.buf.Reset(w.enc)
	}
	b = append(b, '\n')
	if _, err := w.buf.Write(b); err != nil {
		return err
	}
	w.inFrame++
	return nil
}

// endFrame completes the current zstd frame and settles the counters for
// the entries it holds.
func (w *Writer) endFrame() {
	if w.inFrame == 0 {
		return
	}
	n := uint64(w.inFrame)
	w.inFrame = 0
	err := w.buf.Flush()
	if cerr := w.enc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		w.failed.Add(n)
		return
	}
	w.written.Add(n)
}

func (w *Writer) open(hour string) error {
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if w.enc == nil {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			return err
		}
		w.enc = enc
		w.buf = bufio.NewWriterSize(enc, 64*1024)
	}
	w.f = f
	w.hour = hour
	return nil
}

func (w *Writer) closeFile() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	w.hour = ""
	return err
}

func (w *Writer) pathForHour(hour string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

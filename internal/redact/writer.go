package redact

import (
	"io"
	"sync"
)

// Writer wraps an io.Writer and redacts secret values, including values
// split across Write calls. Up to maxLen-1 trailing bytes are held back
// until more input arrives or Flush is called.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
	r   *Redactor
	buf []byte
}

// NewWriter returns a Writer redacting values on its way to out.
func NewWriter(out io.Writer, values []string) *Writer {
	return &Writer{out: out, r: New(values)}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if !w.r.Enabled() {
		return w.out.Write(p)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	if err := w.drain(false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush emits everything still held back.
func (w *Writer) Flush() error {
	if !w.r.Enabled() {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.drain(true)
}

func (w *Writer) drain(all bool) error {
	if len(w.buf) == 0 {
		return nil
	}

	limit := len(w.buf)
	if !all {
		limit = len(w.buf) - (w.r.maxLen - 1)
		if limit <= 0 {
			return nil
		}
	}

	out, consumed := w.r.replace(w.buf, limit)
	if len(out) > 0 {
		if _, err := w.out.Write(out); err != nil {
			return err
		}
	}

	rest := make([]byte, len(w.buf)-consumed)
	copy(rest, w.buf[consumed:])
	w.buf = rest
	return nil
}

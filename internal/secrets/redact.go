package secrets

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"sync"
)

// Mask replaces secret values in output.
const Mask = "***"

// maxLine bounds how much output is held back waiting for a newline.
const maxLine = 64 << 10

// Redactor replaces known secret values with Mask.
type Redactor struct {
	replacer *strings.Replacer
	values   [][]byte
	longest  int
}

// NewRedactor builds a redactor for the given values. Empty values are ignored.
func NewRedactor(values ...string) *Redactor {
	uniq := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			uniq[v] = struct{}{}
		}
	}
	if len(uniq) == 0 {
		return &Redactor{}
	}
	sorted := make([]string, 0, len(uniq))
	for v := range uniq {
		sorted = append(sorted, v)
	}
	// Longer values first so a secret containing another is masked whole.
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	pairs := make([]string, 0, 2*len(sorted))
	byteValues := make([][]byte, 0, len(sorted))
	for _, v := range sorted {
		pairs = append(pairs, v, Mask)
		byteValues = append(byteValues, []byte(v))
	}
	return &Redactor{replacer: strings.NewReplacer(pairs...), values: byteValues, longest: len(sorted[0])}
}

// safeCut returns how much of buf can be masked and emitted without splitting
// a secret: the tail that may begin a secret stays behind, and the cut never
// lands inside a complete occurrence.
func (r *Redactor) safeCut(buf []byte) int {
	if r == nil || r.longest == 0 {
		return len(buf)
	}
	cut := len(buf) - (r.longest - 1)
	if cut <= 0 {
		return len(buf)
	}
	for moved := true; moved; {
		moved = false
		for _, v := range r.values {
			for off := 0; off < cut; {
				i := bytes.Index(buf[off:], v)
				if i < 0 {
					break
				}
				start := off + i
				if start >= cut {
					break
				}
				if end := start + len(v); end > cut {
					cut, moved = end, true
				}
				off = start + 1
			}
		}
	}
	return cut
}

// String masks s.
func (r *Redactor) String(s string) string {
	if r == nil || r.replacer == nil {
		return s
	}
	return r.replacer.Replace(s)
}

// Bytes masks b.
func (r *Redactor) Bytes(b []byte) []byte {
	if r == nil || r.replacer == nil {
		return b
	}
	return []byte(r.replacer.Replace(string(b)))
}

// Writer returns a line-buffered writer that masks output before passing it
// to w. Close flushes a trailing partial line.
func (r *Redactor) Writer(w io.Writer) *LineWriter {
	return &LineWriter{r: r, w: w}
}

// LineWriter masks complete lines. It is safe for concurrent use.
type LineWriter struct {
	mu  sync.Mutex
	r   *Redactor
	w   io.Writer
	buf []byte
}

func (lw *LineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	lw.buf = append(lw.buf, p...)
	idx := bytes.LastIndexByte(lw.buf, '\n')
	if idx < 0 && len(lw.buf) < maxLine {
		return len(p), nil
	}
	end := idx + 1
	if idx < 0 {
		end = lw.r.safeCut(lw.buf)
	}
	if _, err := lw.w.Write(lw.r.Bytes(lw.buf[:end])); err != nil {
		return 0, err
	}
	lw.buf = append(lw.buf[:0], lw.buf[end:]...)
	return len(p), nil
}

// Close flushes buffered output.
func (lw *LineWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if len(lw.buf) == 0 {
		return nil
	}
	_, err := lw.w.Write(lw.r.Bytes(lw.buf))
	lw.buf = lw.buf[:0]
	return err
}

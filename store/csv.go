// Package store persists captured windows as comma separated tables: one row
// per time step, one column per channel, no header.
package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mklimuk/adcap"
)

// DefaultLayout names files day_month_year_hour_minute_second.csv.
const DefaultLayout = "02_01_2006_15_04_05.csv"

// Encode writes frames as integer rows terminated by a newline.
func Encode(w io.Writer, frames []adcap.Frame) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 64)
	for _, f := range frames {
		buf = buf[:0]
		for c, v := range f {
			if c > 0 {
				buf = append(buf, ',')
			}
			buf = strconv.AppendInt(buf, int64(v), 10)
		}
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("could not write row: %w", err)
		}
	}
	return bw.Flush()
}

// Writer stores every capture in its own file under a directory. File names
// come from the capture time formatted with a layout; names already used by
// this writer, or present on disk, get a numeric suffix.
type Writer struct {
	dir    string
	layout string
	now    func() time.Time
	used   map[string]struct{}
}

type WriterOpt func(*Writer)

// WithClock replaces time.Now as the source of capture identifiers.
func WithClock(now func() time.Time) WriterOpt {
	return func(w *Writer) {
		w.now = now
	}
}

func NewWriter(dir, layout string, opts ...WriterOpt) *Writer {
	if layout == "" {
		layout = DefaultLayout
	}
	w := &Writer{
		dir:    dir,
		layout: layout,
		now:    time.Now,
		used:   map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) Dir() string { return w.dir }

// Persist writes frames to a new file and returns its path.
func (w *Writer) Persist(ctx context.Context, frames []adcap.Frame) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, f, err := w.create()
	if err != nil {
		return "", err
	}
	err = Encode(f, frames)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("could not write capture %s: %w", path, err)
	}
	return path, nil
}

func (w *Writer) create() (string, *os.File, error) {
	name := w.now().Format(w.layout)
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = base + "_" + strconv.Itoa(i) + ext
		}
		if _, ok := w.used[candidate]; ok {
			continue
		}
		path := filepath.Join(w.dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			w.used[candidate] = struct{}{}
			continue
		}
		if err != nil {
			return "", nil, fmt.Errorf("could not create capture file: %w", err)
		}
		w.used[candidate] = struct{}{}
		return path, f, nil
	}
}

// Package csvlog writes synchronized sample rows as comma-separated text.
// A file holds one header line naming the time column plus one raw column
// per channel, then one line per tick: the elapsed time in seconds with
// microsecond precision, followed by every channel's raw reading as a plain
// base-10 integer.
package csvlog

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/lodestar-daq/lodestar/internal/asyncbufio"
)

const (
	channelDepth  = 256
	flushInterval = time.Second
)

// Writer writes one acquisition's rows to a CSV file.
type Writer struct {
	FileName string
	Nchan    int

	// items not part of the on-disk format
	rowsWritten   int
	headerWritten bool
	file          *os.File
	writer        *asyncbufio.Writer
}

// NewWriter creates a CSV writer for nchan channels. No file is created
// until CreateFile.
func NewWriter(fileName string, nchan int) *Writer {
	return &Writer{FileName: fileName, Nchan: nchan}
}

// CreateFile creates a file at w.FileName.
// Must be called before WriteHeader or WriteRow.
func (w *Writer) CreateFile() error {
	if w.file != nil {
		return errors.New("file already exists")
	}
	file, err := os.Create(w.FileName)
	if err != nil {
		return err
	}
	w.file = file
	w.writer = asyncbufio.NewWriter(w.file, channelDepth, flushInterval)
	return nil
}

// WriteHeader writes the line naming every column.
func (w *Writer) WriteHeader() error {
	if w.headerWritten {
		return errors.New("header already written")
	}
	line := make([]byte, 0, 4+8*w.Nchan)
	line = append(line, "t_s"...)
	for i := 1; i <= w.Nchan; i++ {
		line = append(line, ",raw_"...)
		line = strconv.AppendInt(line, int64(i), 10)
	}
	line = append(line, '\n')
	if _, err := w.writer.Write(line); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

// WriteRow writes one tick: the elapsed time and every channel's raw value.
func (w *Writer) WriteRow(t time.Duration, raw []int32) error {
	if len(raw) != w.Nchan {
		return fmt.Errorf("wrong number of channels, have %d, want %d", len(raw), w.Nchan)
	}
	line := make([]byte, 0, 16+12*len(raw))
	line = strconv.AppendFloat(line, t.Seconds(), 'f', 6, 64)
	for _, v := range raw {
		line = append(line, ',')
		line = strconv.AppendInt(line, int64(v), 10)
	}
	line = append(line, '\n')
	if _, err := w.writer.Write(line); err != nil {
		return err
	}
	w.rowsWritten++
	return nil
}

// RowsWritten returns how many data rows have been written so far.
func (w *Writer) RowsWritten() int { return w.rowsWritten }

// Flush pushes everything buffered so far out to the operating system.
func (w *Writer) Flush() error {
	return w.writer.Flush()
}

// Close flushes buffered rows, then closes the file.
func (w *Writer) Close() error {
	err := w.writer.Close()
	if err2 := w.file.Close(); err == nil {
		err = err2
	}
	return err
}

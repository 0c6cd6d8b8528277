package csvlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileFormat(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "run.csv")
	w := NewWriter(fname, 3)
	if err := w.CreateFile(); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	rows := []struct {
		t   time.Duration
		raw []int32
	}{
		{0, []int32{100, 200, 300}},
		{50 * time.Millisecond, []int32{101, -200, 0}},
		{2500 * time.Microsecond, []int32{-8388608, 8388607, -1}},
	}
	for _, r := range rows {
		if err := w.WriteRow(r.t, r.raw); err != nil {
			t.Fatalf("WriteRow(%v): %v", r.t, err)
		}
	}
	if n := w.RowsWritten(); n != 3 {
		t.Errorf("RowsWritten = %d, want 3", n)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "t_s,raw_1,raw_2,raw_3\n" +
		"0.000000,100,200,300\n" +
		"0.050000,101,-200,0\n" +
		"0.002500,-8388608,8388607,-1\n"
	if string(b) != want {
		t.Errorf("file contents:\n%q\nwant:\n%q", b, want)
	}
}

func TestHeaderPerChannelCount(t *testing.T) {
	for nchan, want := range map[int]string{
		1: "t_s,raw_1\n",
		2: "t_s,raw_1,raw_2\n",
		6: "t_s,raw_1,raw_2,raw_3,raw_4,raw_5,raw_6\n",
	} {
		fname := filepath.Join(t.TempDir(), "h.csv")
		w := NewWriter(fname, nchan)
		if err := w.CreateFile(); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}
		if err := w.WriteHeader(); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		b, _ := os.ReadFile(fname)
		if string(b) != want {
			t.Errorf("%d-channel header = %q, want %q", nchan, b, want)
		}
	}
}

func TestFlushMakesRowsVisible(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "flush.csv")
	w := NewWriter(fname, 1)
	if err := w.CreateFile(); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := w.WriteRow(time.Second, []int32{7}); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// The row must be on disk while the file is still open for writing.
	b, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasSuffix(string(b), "1.000000,7\n") {
		t.Errorf("flushed file ends %q, want trailing row 1.000000,7", b)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestMisuse(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "misuse.csv")
	w := NewWriter(fname, 2)
	if err := w.CreateFile(); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := w.CreateFile(); err == nil {
		t.Error("second CreateFile did not error")
	}
	if err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := w.WriteHeader(); err == nil {
		t.Error("second WriteHeader did not error")
	}
	if err := w.WriteRow(0, []int32{1, 2, 3}); err == nil {
		t.Error("WriteRow with wrong channel count did not error")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

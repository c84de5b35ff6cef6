// Package csvlog appends one row per minute (one per window for BCD) to
// daily, per-channel, per-method CSV files: `{CHANNEL}_{method}_YYYYMMDD.csv`.
// Each method and each of discrimination/clock_offset/quality gets its
// own file. discrimination/clock_offset/quality each have their own fixed
// column set; all per-method files share MethodHeader.
package csvlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends rows to the daily file for one (channel, table) pair,
// rotating to a new file at each UTC day boundary.
type Writer struct {
	mu sync.Mutex

	dir        string
	channelKey string
	table      string
	header     []string

	day     string
	file    *os.File
	csvw    *csv.Writer
}

// NewWriter returns the writer for channelKey/table rooted at dir. No
// file is opened here; WriteRow opens (creating if needed) the day's file
// on first use. header is written once per file, when a new or empty file
// is opened.
func NewWriter(dir, channelKey, table string, header []string) *Writer {
	return &Writer{dir: dir, channelKey: channelKey, table: table, header: header}
}

func (w *Writer) pathForDay(day string) string {
	name := fmt.Sprintf("%s_%s_%s.csv", w.channelKey, w.table, day)
	return filepath.Join(w.dir, name)
}

// WriteRow appends one row, rotating files across a day boundary and
// writing the header exactly once per file.
func (w *Writer) WriteRow(ts time.Time, fields []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := ts.UTC().Format("20060102")
	if day != w.day || w.file == nil {
		if err := w.rotateLocked(day); err != nil {
			return err
		}
	}

	if err := w.csvw.Write(fields); err != nil {
		return err
	}
	w.csvw.Flush()
	return w.csvw.Error()
}

func (w *Writer) rotateLocked(day string) error {
	if w.file != nil {
		w.csvw.Flush()
		w.file.Close()
	}

	path := w.pathForDay(day)
	needsHeader := true
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w.file = f
	w.csvw = csv.NewWriter(f)
	w.day = day

	if needsHeader {
		if err := w.csvw.Write(w.header); err != nil {
			return err
		}
		w.csvw.Flush()
	}
	return w.csvw.Error()
}

// Close flushes and closes the currently open file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	w.csvw.Flush()
	err := w.file.Close()
	w.file = nil
	return err
}

// DiscriminationHeader is the fixed column set for the "discrimination"
// table.
var DiscriminationHeader = []string{"minute_utc", "dominant", "confidence", "score"}

// ClockOffsetHeader is the fixed column set for the "clock_offset"
// table.
var ClockOffsetHeader = []string{"minute_utc", "d_clock_ms", "uncertainty_ms", "quality_grade", "mode_hint", "convergence_state"}

// QualityHeader is the fixed column set for the "quality" table, one
// summary row per minute combining timesnap grade and NTP status.
var QualityHeader = []string{"minute_utc", "timesnap_grade", "ntp_synced", "ntp_offset_ms"}

// MethodHeader is the fixed column set shared by every per-method vote
// table (method name is implied by the file it is written to).
var MethodHeader = []string{"minute_utc", "score", "weight", "active", "quality"}

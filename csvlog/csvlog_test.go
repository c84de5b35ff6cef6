package csvlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRowCreatesFileWithHeader(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "CH1", "clock_offset", ClockOffsetHeader)
	defer w.Close()

	ts := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	require.NoError(t, w.WriteRow(ts, []string{"2026-01-01T00:10:00Z", "1.2", "0.5", "A", "1hop_F2", "LOCKED"}))

	path := filepath.Join(dir, "CH1_clock_offset_20260101.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "minute_utc,d_clock_ms")
	assert.Contains(t, string(data), "1hop_F2")
}

func TestWriteRowAppendsWithoutDuplicateHeader(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "CH1", "discrimination", DiscriminationHeader)
	ts := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	require.NoError(t, w.WriteRow(ts, []string{"2026-01-01T00:10:00Z", "WWV", "high", "0.82"}))
	require.NoError(t, w.WriteRow(ts.Add(time.Minute), []string{"2026-01-01T00:11:00Z", "WWV", "high", "0.80"}))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "CH1_discrimination_20260101.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 3, lines) // header + 2 rows
}

func TestWriteRowRotatesAcrossDayBoundary(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "CH1", "quality", QualityHeader)
	defer w.Close()

	day1 := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, w.WriteRow(day1, []string{"x", "TONE_LOCKED", "true", "0.1"}))
	require.NoError(t, w.WriteRow(day2, []string{"y", "TONE_LOCKED", "true", "0.1"}))

	_, err := os.Stat(filepath.Join(dir, "CH1_quality_20260101.csv"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "CH1_quality_20260102.csv"))
	assert.NoError(t, err)
}

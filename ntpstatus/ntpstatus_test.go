package ntpstatus

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseChronyTracking(t *testing.T) {
	sample := `Reference ID    : C0A80101 (router.local)
Stratum         : 3
Ref time (UTC)  : Thu Jan 01 00:00:00 2026
System time     : 0.000123456 seconds slow of NTP time
Leap status     : Normal
`
	if m := trackingOffsetRe.FindStringSubmatch(sample); assert.NotNil(t, m) {
		assert.Equal(t, "0.000123456", m[1])
	}
	if m := trackingStratumRe.FindStringSubmatch(sample); assert.NotNil(t, m) {
		assert.Equal(t, "3", m[1])
	}
	if m := trackingLeapRe.FindStringSubmatch(sample); assert.NotNil(t, m) {
		assert.Equal(t, "Normal", m[1])
	}
}

func TestReaderCurrentBeforeRefreshIsZeroValue(t *testing.T) {
	r := NewReader(zerolog.Nop())
	st := r.Current()
	assert.False(t, st.Synced)
	assert.Zero(t, st.OffsetMs)
}

package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTime(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	formatted := FormatTime(time.Date(2026, 3, 2, 7, 0, 0, 123456789, est))
	assert.Equal(t, "2026-03-02T12:00:00.123456Z", formatted, "stored in UTC at microsecond width")

	earlier := FormatTime(baseTime)
	later := FormatTime(baseTime.Add(time.Second))
	assert.Less(t, earlier, later, "fixed width keeps lexicographic order")
}

func TestParseTime(t *testing.T) {
	parsed, err := ParseTime("2026-03-02T12:00:00.000000Z")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(baseTime))

	parsed, err = ParseTime("2026-03-02T12:00:00Z")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(baseTime), "plain RFC3339 accepted for rows written by other tools")

	_, err = ParseTime("not-a-timestamp")
	assert.Error(t, err)
}

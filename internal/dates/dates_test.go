package dates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDue(t *testing.T) {
	now := time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC) // Wednesday

	got, err := ParseDue("2024-04-01", now)
	require.NoError(t, err)
	assert.Equal(t, "2024-04-01", got)

	got, err = ParseDue("tomorrow", now)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-07", got)

	got, err = ParseDue("in 3 days", now)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09", got)

	_, err = ParseDue("   ", now)
	assert.Error(t, err)
	_, err = ParseDue("zzz qqq", now)
	assert.Error(t, err)
}

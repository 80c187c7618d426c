package jobs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	def, ok := Lookup(JobScheduleFetch)
	require.True(t, ok)
	assert.Equal(t, "Schedule Fetcher", def.Label)
	assert.Equal(t, "schedule_fetch.py", def.Script)

	_, ok = Lookup("nope")
	assert.False(t, ok)
}

func TestNamesOrder(t *testing.T) {
	assert.Equal(t, []string{JobScheduleFetch, JobInjuries, JobCBBScraper, JobPicksRefresh}, Names())
}

func TestLabelFallback(t *testing.T) {
	assert.Equal(t, "Picks Refresh", Label(JobPicksRefresh))
	assert.Equal(t, "mystery", Label("mystery"))
}

func TestTruncateOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"under cap untouched", "hello", 10, "hello"},
		{"at cap untouched", "hello", 5, "hello"},
		{"over cap truncated", "hello world", 5, "hello" + truncationMarker},
		{"zero cap disables", strings.Repeat("x", 100), 0, strings.Repeat("x", 100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncateOutput(tt.in, tt.max))
		})
	}
}

package jobs

import (
	"errors"
	"time"
)

// Fixed job names. These are the only names the executor accepts.
const (
	JobScheduleFetch = "schedule_fetch"
	JobInjuries      = "injuries"
	JobCBBScraper    = "cbb_scraper"
	JobPicksRefresh  = "picks_refresh"
)

// Sentinel errors returned by the executor and pipeline runner. The
// transport layer maps these onto HTTP problem responses.
var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrJobBusy      = errors.New("job already running")
	ErrPipelineBusy = errors.New("pipeline already running")
)

// Definition describes one registered job: its stable name, the label
// shown on the dashboard, and the script the runner launches.
type Definition struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Script      string `json:"-"`
}

// definitions is the fixed job registry, in display order.
var definitions = []Definition{
	{
		Name:        JobScheduleFetch,
		Label:       "Schedule Fetcher",
		Description: "Pulls ESPN scoreboards and populates data/schedule.json.",
		Script:      "schedule_fetch.py",
	},
	{
		Name:        JobInjuries,
		Label:       "Injuries Cache",
		Description: "Scrapes CBS injuries for all sports and refreshes injuries_cache.json.",
		Script:      "injuries.py",
	},
	{
		Name:        JobCBBScraper,
		Label:       "CBB Stat Scraper",
		Description: "Rebuilds cbb_players_stats.csv from ESPN leaderboards.",
		Script:      "cbb_scraper.py",
	},
	{
		Name:        JobPicksRefresh,
		Label:       "Picks Refresh",
		Description: "Regenerates the picks board for a single date.",
		Script:      "picks_refresh.py",
	},
}

// Definitions returns the job registry in display order.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Lookup returns the definition for name, or false when the name is not
// registered.
func Lookup(name string) (Definition, bool) {
	for _, def := range definitions {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

// Names returns the registered job names in display order.
func Names() []string {
	names := make([]string, len(definitions))
	for i, def := range definitions {
		names[i] = def.Name
	}
	return names
}

// Label returns the display label for name, falling back to the name
// itself for unregistered names.
func Label(name string) string {
	if def, ok := Lookup(name); ok {
		return def.Label
	}
	return name
}

// JobRun is the record of one completed execution.
type JobRun struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Label      string    `json:"label"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded reports whether the run exited cleanly.
func (r *JobRun) Succeeded() bool {
	return r.ExitCode == 0
}

// Duration returns the wall-clock run time.
func (r *JobRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// LogEntry is one line of a job's live runtime log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

const truncationMarker = "\n... [output truncated]"

// truncateOutput bounds captured process output to max bytes, appending a
// marker when anything was cut.
func truncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + truncationMarker
}

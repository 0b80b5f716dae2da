// Package eventlog turns Win32_NTLogEvent rows into normalized events
// and builds the incremental filter used to fetch them.
package eventlog

import (
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/wmi"
)

// Class is the WMI class events are read from
const Class = "Win32_NTLogEvent"

// Properties are the columns selected on every query
var Properties = []string{
	"Message",
	"SourceName",
	"TimeGenerated",
	"Type",
	"User",
	"InsertionStrings",
	"EventCode",
	"Logfile",
}

// Criteria are the optional equality filters of a target. Several
// values for one criterion match any of them.
type Criteria struct {
	Types       []string
	Users       []string
	EventIDs    []string
	SourceNames []string
	LogFiles    []string
}

// IsZero reports whether no criterion is set
func (c Criteria) IsZero() bool {
	return len(c.Types) == 0 && len(c.Users) == 0 && len(c.EventIDs) == 0 &&
		len(c.SourceNames) == 0 && len(c.LogFiles) == 0
}

// BuildFilter returns a fresh filter selecting events generated at or
// after lastSeen that satisfy every present criterion. The provider
// compares datetimes by date only, so callers must re-check timestamps.
func BuildFilter(lastSeen time.Time, c Criteria) wmi.FilterSpec {
	return wmi.NewFilterSpec(
		wmi.Clause{{
			Property: "TimeGenerated",
			Op:       wmi.OpGreaterOrEqual,
			Value:    wmi.FormatDateTime(lastSeen),
		}},
		wmi.Equal("Type", nonBlank(c.Types)...),
		wmi.Equal("User", nonBlank(c.Users)...),
		wmi.Equal("EventCode", nonBlank(c.EventIDs)...),
		wmi.Equal("SourceName", nonBlank(c.SourceNames)...),
		wmi.Equal("LogFile", nonBlank(c.LogFiles)...),
	)
}

func nonBlank(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

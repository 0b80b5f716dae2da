package wmi

import (
	"errors"
	"testing"

	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

func TestFilterSpec_WQL(t *testing.T) {
	tests := []struct {
		name   string
		filter FilterSpec
		props  []string
		want   string
	}{
		{
			name:   "no filter",
			filter: NewFilterSpec(),
			props:  []string{"Message", "SourceName"},
			want:   "SELECT Message, SourceName FROM Win32_NTLogEvent",
		},
		{
			name: "single and grouped clauses",
			filter: NewFilterSpec(
				Clause{{Property: "TimeGenerated", Op: OpGreaterOrEqual, Value: "20240115103000.000000+000"}},
				Equal("Type", "Error", "Warning"),
				Equal("SourceName", "MSSQLSERVER"),
			),
			props: []string{"Message"},
			want: "SELECT Message FROM Win32_NTLogEvent WHERE TimeGenerated >= '20240115103000.000000+000' " +
				"AND ( Type = 'Error' OR Type = 'Warning' ) AND SourceName = 'MSSQLSERVER'",
		},
		{
			name:   "escaping",
			filter: NewFilterSpec(Equal("User", `DOMAIN\o'brien`)),
			want:   `SELECT * FROM Win32_NTLogEvent WHERE User = 'DOMAIN\\o\'brien'`,
		},
		{
			name:   "empty clause dropped",
			filter: NewFilterSpec(Equal("Type"), Equal("EventCode", "6005")),
			props:  []string{"EventCode"},
			want:   "SELECT EventCode FROM Win32_NTLogEvent WHERE EventCode = '6005'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.filter.WQL("Win32_NTLogEvent", tt.props)
			if err != nil {
				t.Fatalf("WQL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("WQL() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestFilterSpec_WQLInvalid(t *testing.T) {
	tests := []struct {
		name   string
		class  string
		props  []string
		filter FilterSpec
	}{
		{"bad class", "Win32_NTLogEvent; DROP", nil, NewFilterSpec()},
		{"bad property", "Win32_NTLogEvent", []string{"Message, *"}, NewFilterSpec()},
		{"bad filter property", "Win32_NTLogEvent", nil, NewFilterSpec(Equal("Type = 'x' OR 1", "y"))},
		{"bad operator", "Win32_NTLogEvent", nil, NewFilterSpec(Clause{{Property: "Type", Op: "LIKE", Value: "x"}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.filter.WQL(tt.class, tt.props); !errors.Is(err, ErrInvalidQuery) {
				t.Errorf("WQL() error = %v, want ErrInvalidQuery", err)
			}
		})
	}
}

func TestFilterSpec_Immutable(t *testing.T) {
	base := NewFilterSpec(Equal("Type", "Error"))
	a := base.And(Equal("User", "alice"))
	b := base.And(Equal("EventCode", "6005"))

	if base.Len() != 1 {
		t.Errorf("base.Len() = %d, want 1", base.Len())
	}
	if a.Len() != 2 || b.Len() != 2 {
		t.Errorf("a.Len() = %d, b.Len() = %d, want 2 and 2", a.Len(), b.Len())
	}
	if a.String() == b.String() {
		t.Errorf("derived filters share state: %q", a.String())
	}

	clauses := base.Clauses()
	clauses[0][0].Value = "Warning"
	if base.String() != "Type = 'Error'" {
		t.Errorf("Clauses() leaked internal state: %q", base.String())
	}
}

func TestFilterSpec_Matches(t *testing.T) {
	rec := types.RawRecord{
		"TimeGenerated":    "20240115080000.000000+000",
		"Type":             "Error",
		"SourceName":       "MSSQLSERVER",
		"Logfile":          "Application",
		"EventCode":        float64(6005),
		"InsertionStrings": []any{"a", "b"},
	}

	tests := []struct {
		name   string
		filter FilterSpec
		want   bool
	}{
		{"empty filter", NewFilterSpec(), true},
		{
			"same date later time still matches",
			NewFilterSpec(Clause{{Property: "TimeGenerated", Op: OpGreaterOrEqual, Value: "20240115120000.000000+000"}}),
			true,
		},
		{
			"earlier date rejected",
			NewFilterSpec(Clause{{Property: "TimeGenerated", Op: OpGreaterOrEqual, Value: "20240116000000.000000+000"}}),
			false,
		},
		{"or group", NewFilterSpec(Equal("Type", "Warning", "Error")), true},
		{"case insensitive value", NewFilterSpec(Equal("SourceName", "mssqlserver")), true},
		{"case insensitive property", NewFilterSpec(Equal("LogFile", "Application")), true},
		{"numeric property", NewFilterSpec(Equal("EventCode", "6005")), true},
		{"numeric mismatch", NewFilterSpec(Equal("EventCode", "7036")), false},
		{"and groups", NewFilterSpec(Equal("Type", "Error"), Equal("SourceName", "Other")), false},
		{"missing property", NewFilterSpec(Equal("User", "alice")), false},
		{"list element", NewFilterSpec(Equal("InsertionStrings", "b")), true},
		{
			"not equal",
			NewFilterSpec(Clause{{Property: "Type", Op: OpNotEqual, Value: "Warning"}}),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(rec); got != tt.want {
				t.Errorf("Matches() = %v, want %v (filter %s)", got, tt.want, tt.filter)
			}
		})
	}
}

package poller

import (
	"testing"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/wmi"
)

func TestTarget_Key(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		want   string
	}{
		{"defaults", Target{}, `localhost:root\CIMV2:Win32_NTLogEvent`},
		{"host lowercased", Target{Host: "DC01.Corp"}, `dc01.corp:root\CIMV2:Win32_NTLogEvent`},
		{"custom namespace", Target{Host: "h", Namespace: `root\Other`}, `h:root\Other:Win32_NTLogEvent`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.target.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTarget_KeyIgnoresCredentials(t *testing.T) {
	a := Target{Host: "h", Username: "u1", Password: "p1"}
	b := Target{Host: "h", Username: "u2"}
	if a.Key() != b.Key() {
		t.Error("credentials should not affect the cursor key")
	}
}

func TestTarget_Normalize(t *testing.T) {
	tgt := Target{}
	tgt.Normalize()

	if tgt.Host != "localhost" || tgt.Namespace != wmi.DefaultNamespace || tgt.Class != "Win32_NTLogEvent" {
		t.Errorf("Normalize() = %+v", tgt)
	}
	if !tgt.Conn().IsLocal() {
		t.Error("default target should be local")
	}
}

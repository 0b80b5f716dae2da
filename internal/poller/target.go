package poller

import (
	"strings"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/eventlog"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/wmi"
)

// Target is one monitored event log endpoint
type Target struct {
	Host      string
	Username  string
	Password  string
	Namespace string
	Class     string
	Tags      []string
	Notify    []string
	Criteria  eventlog.Criteria
}

// Normalize fills in defaults
func (t *Target) Normalize() {
	if t.Host == "" {
		t.Host = "localhost"
	}
	if t.Namespace == "" {
		t.Namespace = wmi.DefaultNamespace
	}
	if t.Class == "" {
		t.Class = eventlog.Class
	}
}

// Key identifies the target's cursor: host, namespace and class
func (t *Target) Key() string {
	host, ns, class := t.Host, t.Namespace, t.Class
	if host == "" {
		host = "localhost"
	}
	if ns == "" {
		ns = wmi.DefaultNamespace
	}
	if class == "" {
		class = eventlog.Class
	}
	return strings.ToLower(host) + ":" + ns + ":" + class
}

// Conn returns the connection parameters for the target
func (t *Target) Conn() wmi.ConnectionParams {
	ns := t.Namespace
	if ns == "" {
		ns = wmi.DefaultNamespace
	}
	return wmi.ConnectionParams{
		Host:      t.Host,
		Namespace: ns,
		Username:  t.Username,
		Password:  t.Password,
	}
}

// Package wmi holds the query side of event polling: CIM datetime
// handling, filter rendering to WQL and the Querier implementations.
package wmi

import (
	"context"
	"errors"
	"strings"

	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// DefaultNamespace is the namespace Win32_NTLogEvent lives in
const DefaultNamespace = `root\CIMV2`

// ErrUnsupportedPlatform is returned by the native querier off Windows
var ErrUnsupportedPlatform = errors.New("native WMI queries are only supported on windows")

// ConnectionParams locates the WMI provider
type ConnectionParams struct {
	Host      string
	Namespace string
	Username  string
	Password  string
}

// IsLocal reports whether the connection targets the local machine,
// in which case credentials must not be passed.
func (c ConnectionParams) IsLocal() bool {
	switch strings.ToLower(c.Host) {
	case "", ".", "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Request is one query against one target
type Request struct {
	TargetKey  string
	Class      string
	Properties []string
	Filter     FilterSpec
	Conn       ConnectionParams
}

// WQL renders the request's query
func (r Request) WQL() (string, error) {
	return r.Filter.WQL(r.Class, r.Properties)
}

// Querier runs a request and returns the matching rows
type Querier interface {
	Query(ctx context.Context, req Request) ([]types.RawRecord, error)
	Name() string
}

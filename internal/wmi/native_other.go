//go:build !windows

package wmi

import (
	"context"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// NativeQuerier is unavailable on this platform
type NativeQuerier struct{}

// NewNativeQuerier always fails with ErrUnsupportedPlatform
func NewNativeQuerier(logger *logging.Logger) (*NativeQuerier, error) {
	return nil, ErrUnsupportedPlatform
}

// Query always fails with ErrUnsupportedPlatform
func (q *NativeQuerier) Query(ctx context.Context, req Request) ([]types.RawRecord, error) {
	return nil, ErrUnsupportedPlatform
}

// Name returns the querier name
func (q *NativeQuerier) Name() string {
	return "native"
}

//go:build !linux

package connmgr

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bluetooth-xfer/internal/errorkinds"
)

// New returns a manager that reports the adapter as unavailable; only BlueZ is supported.
func New(_ *zap.Logger) Mgr { return unsupported{} }

var errUnsupported = errorkinds.AdapterUnavailableError(errors.New("connmgr: bluetooth is only supported on linux"))

type unsupported struct{}

func (unsupported) StartServer(context.Context, ServerOptions) error { return errUnsupported }

func (unsupported) Accept(context.Context) (Stream, Device, error) {
	return nil, Device{}, errUnsupported
}

func (unsupported) BondedDevices(context.Context) ([]Device, error) { return nil, errUnsupported }

func (unsupported) CancelDiscovery(context.Context) error { return errUnsupported }

func (unsupported) Connect(context.Context, string, uuid.UUID) (Stream, error) {
	return nil, errUnsupported
}

func (unsupported) Close() error { return nil }

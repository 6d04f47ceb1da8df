// Package cmd provides the shared bootstrap for the binaries: piece
// registry, persistence, queue and event bus construction from flag
// values.
package cmd

import (
	"log/slog"

	"github.com/pieceflow/pieceflow/pkg/pieces/delay"
	"github.com/pieceflow/pieceflow/pkg/pieces/httprequest"
	logpiece "github.com/pieceflow/pieceflow/pkg/pieces/log"
	"github.com/pieceflow/pieceflow/pkg/pieces/schedule"
	"github.com/pieceflow/pieceflow/pkg/pieces/transform"
	"github.com/pieceflow/pieceflow/pkg/pieces/webhook"
	"github.com/pieceflow/pieceflow/pkg/registry"
)

// NewRegistry builds the piece catalog every binary shares. Workers,
// sources and the API must agree on it: a piece the API accepts but the
// worker cannot resolve would strand every flow that references it.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)

	reg.MustRegister(httprequest.New(nil))
	reg.MustRegister(transform.New())
	reg.MustRegister(logpiece.New())
	reg.MustRegister(delay.New())
	reg.MustRegister(webhook.New())
	reg.MustRegister(schedule.New())

	return reg
}

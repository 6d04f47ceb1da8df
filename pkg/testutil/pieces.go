package testutil

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pieceflow/pieceflow/pkg/piece"
)

// FakePiece is a configurable in-memory piece that records every request
// it receives. Safe for use from concurrent runs.
type FakePiece struct {
	mu      sync.Mutex
	def     piece.Definition
	handler func(ctx context.Context, req piece.Request) (any, error)
	calls   []piece.Request
}

// NewFakePiece builds a fake around a definition and a handler. A nil
// handler echoes the request input back as output.
func NewFakePiece(def piece.Definition, handler func(ctx context.Context, req piece.Request) (any, error)) *FakePiece {
	if handler == nil {
		handler = func(_ context.Context, req piece.Request) (any, error) {
			return req.Input, nil
		}
	}

	return &FakePiece{def: def, handler: handler}
}

// EchoDefinition builds a minimal definition exposing the named actions
// without input schemas.
func EchoDefinition(name, version string, actions ...string) piece.Definition {
	ops := make([]piece.Operation, 0, len(actions))
	for _, action := range actions {
		ops = append(ops, piece.Operation{Name: action, DisplayName: action})
	}

	return piece.Definition{
		Metadata: piece.Metadata{Name: name, Version: version, DisplayName: name},
		Actions:  ops,
	}
}

func (p *FakePiece) Definition() piece.Definition {
	return p.def
}

func (p *FakePiece) Run(ctx context.Context, req piece.Request, _ *slog.Logger) (any, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	return p.handler(ctx, req)
}

// Calls returns a copy of the recorded requests.
func (p *FakePiece) Calls() []piece.Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	calls := make([]piece.Request, len(p.calls))
	copy(calls, p.calls)

	return calls
}

// CallCount returns how many times Run was invoked.
func (p *FakePiece) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.calls)
}

// Package registry is the piece catalog. Pieces are bound once at
// startup, keyed by name@version, and looked up by the engine and the
// trigger runtime. The registry also validates resolved step input
// against an operation's JSON schema before any invocation happens.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/pieceflow/pieceflow/pkg/models"
	"github.com/pieceflow/pieceflow/pkg/piece"
)

var (
	ErrPieceNotRegistered = errors.New("piece not registered")
	ErrUnknownOperation   = errors.New("operation not exposed by piece")
	ErrDuplicatePiece     = errors.New("piece already registered")
)

// InputError reports step input rejected by an operation schema. Code
// distinguishes a missing required field from any other violation.
type InputError struct {
	Code    string
	Message string
}

func (e *InputError) Error() string {
	return e.Code + ": " + e.Message
}

// Registry holds the bound pieces. Registration happens during startup
// only, so lookups need no locking.
type Registry struct {
	logger *slog.Logger
	pieces map[string]piece.Piece
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		pieces: make(map[string]piece.Piece),
	}
}

// Register binds a piece under its metadata reference.
func (r *Registry) Register(p piece.Piece) error {
	ref := p.Definition().Metadata.Ref()
	if ref.Zero() {
		return fmt.Errorf("piece definition has no name and version")
	}

	key := ref.String()
	if _, exists := r.pieces[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePiece, key)
	}

	r.pieces[key] = p
	r.logger.Info("Registered piece", "piece", key)

	return nil
}

// MustRegister panics on registration failure. Binding happens at
// startup, where a broken catalog should stop the process.
func (r *Registry) MustRegister(p piece.Piece) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Lookup returns the piece bound under the reference.
func (r *Registry) Lookup(ref models.PieceRef) (piece.Piece, error) {
	p, ok := r.pieces[ref.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPieceNotRegistered, ref)
	}

	return p, nil
}

// HasPiece reports whether the reference resolves. Flow validation uses
// it to reject dangling piece references at lock time.
func (r *Registry) HasPiece(ref models.PieceRef) bool {
	_, ok := r.pieces[ref.String()]

	return ok
}

// Definitions returns every bound capability set, sorted by reference,
// for the catalog endpoint.
func (r *Registry) Definitions() []piece.Definition {
	keys := make([]string, 0, len(r.pieces))
	for key := range r.pieces {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	defs := make([]piece.Definition, 0, len(keys))
	for _, key := range keys {
		defs = append(defs, r.pieces[key].Definition())
	}

	return defs
}

// OperationSchema returns the configuration schema of the named action
// or trigger, or ErrUnknownOperation. For actions this is the resolved
// step input contract; for triggers it constrains the trigger step's
// configuration in the flow definition.
func (r *Registry) OperationSchema(ref models.PieceRef, operation string) (map[string]any, error) {
	p, err := r.Lookup(ref)
	if err != nil {
		return nil, err
	}

	def := p.Definition()

	if op, ok := def.Action(operation); ok {
		return op.InputSchema, nil
	}

	if spec, ok := def.Trigger(operation); ok {
		return spec.InputSchema, nil
	}

	return nil, fmt.Errorf("%w: %s has no operation %q", ErrUnknownOperation, ref, operation)
}

// PayloadSchema returns the payload contract of the named trigger, or
// ErrUnknownOperation when the piece exposes no such trigger.
func (r *Registry) PayloadSchema(ref models.PieceRef, operation string) (map[string]any, error) {
	p, err := r.Lookup(ref)
	if err != nil {
		return nil, err
	}

	spec, ok := p.Definition().Trigger(operation)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no trigger %q", ErrUnknownOperation, ref, operation)
	}

	return spec.PayloadSchema, nil
}

// ValidateInput checks resolved input against the operation's schema.
// Operations without a schema accept anything. A violated "required"
// constraint comes back as MissingRequiredInput, every other violation
// as ResolutionError, both per *InputError.
func (r *Registry) ValidateInput(ref models.PieceRef, operation string, input map[string]any) error {
	schema, err := r.OperationSchema(ref, operation)
	if err != nil {
		return err
	}

	return validate(schema, input, ref, operation)
}

// ValidatePayload checks a trigger payload against the trigger's
// payload contract. Triggers without one accept any payload.
func (r *Registry) ValidatePayload(ref models.PieceRef, operation string, payload map[string]any) error {
	schema, err := r.PayloadSchema(ref, operation)
	if err != nil {
		return err
	}

	return validate(schema, payload, ref, operation)
}

func validate(schema map[string]any, value map[string]any, ref models.PieceRef, operation string) error {
	if schema == nil {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(value)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate input for %s.%s: %w", ref, operation, err)
	}

	if result.Valid() {
		return nil
	}

	code := models.ErrCodeResolution
	details := make([]string, 0, len(result.Errors()))

	for _, desc := range result.Errors() {
		if desc.Type() == "required" {
			code = models.ErrCodeMissingInput
		}

		details = append(details, desc.String())
	}

	return &InputError{
		Code:    code,
		Message: fmt.Sprintf("input for %s.%s rejected: %s", ref, operation, strings.Join(details, "; ")),
	}
}

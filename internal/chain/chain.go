// Package chain applies an ordered sequence of transformers to one program,
// handing each step the previous step's serialized output.
package chain

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/woxQAQ/plugin-runner/internal/envelope"
	"github.com/woxQAQ/plugin-runner/pkg/ast"
)

// Transformer is one step of a chain.
type Transformer interface {
	Transform(ctx context.Context, in *envelope.Envelope, preservePositions bool) (*envelope.Envelope, error)
}

// StepError reports the failing position of a chain.
type StepError struct {
	// Position is 1-based.
	Position int
	Plugin   string
	Err      error
}

func (e *StepError) Error() string {
	if e.Plugin != "" {
		return fmt.Sprintf("chain step %d ('%s') failed: %v", e.Position, e.Plugin, e.Err)
	}
	return fmt.Sprintf("chain step %d failed: %v", e.Position, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Chain is an ordered list of transformers. It holds no per-run state, so one
// Chain may run on many programs concurrently as long as its transformers
// allow it.
type Chain struct {
	steps             []Transformer
	preservePositions bool
	logger            *zap.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithPreservePositions passes the preserve_positions flag to every step.
func WithPreservePositions(preserve bool) Option {
	return func(c *Chain) {
		c.preservePositions = preserve
	}
}

// New returns a chain running steps in order.
func New(logger *zap.Logger, steps []Transformer, opts ...Option) *Chain {
	c := &Chain{
		steps:  steps,
		logger: logger.With(zap.String("component", "chain")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Len returns the number of steps.
func (c *Chain) Len() int {
	return len(c.steps)
}

// Apply encodes program, runs every step and decodes the final envelope.
// The program is decoded exactly once, after the last step succeeded.
func (c *Chain) Apply(ctx context.Context, program *ast.Program) (*ast.Program, error) {
	in, err := envelope.Encode(program)
	if err != nil {
		return nil, err
	}

	out, err := c.ApplyEnvelope(ctx, in)
	if err != nil {
		return nil, err
	}

	var result ast.Program
	if err := envelope.Decode(out, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ApplyEnvelope runs every step on in and returns the last output undecoded.
// The first failing step stops the chain; its output is discarded and later
// steps never run.
func (c *Chain) ApplyEnvelope(ctx context.Context, in *envelope.Envelope) (*envelope.Envelope, error) {
	current := in
	for i, step := range c.steps {
		position := i + 1

		if err := ctx.Err(); err != nil {
			return nil, &StepError{Position: position, Plugin: nameOf(step), Err: err}
		}

		out, err := step.Transform(ctx, current, c.preservePositions)
		if err != nil {
			c.logger.Warn("Chain step failed",
				zap.Int("position", position),
				zap.String("plugin", nameOf(step)),
				zap.Error(err),
			)
			return nil, &StepError{Position: position, Plugin: nameOf(step), Err: err}
		}

		c.logger.Debug("Chain step completed",
			zap.Int("position", position),
			zap.String("plugin", nameOf(step)),
			zap.Int("output_bytes", out.Len()),
		)
		current = out
	}
	return current, nil
}

// RunAll applies the chain to every program concurrently, running at most
// limit chains at once (no limit when limit <= 0). Results keep the order of
// programs. The first failure cancels the remaining runs.
func (c *Chain) RunAll(ctx context.Context, programs []*ast.Program, limit int) ([]*ast.Program, error) {
	results := make([]*ast.Program, len(programs))

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, program := range programs {
		g.Go(func() error {
			out, err := c.Apply(ctx, program)
			if err != nil {
				return fmt.Errorf("program %d: %w", i, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func nameOf(step Transformer) string {
	if named, ok := step.(interface{ Name() string }); ok {
		return named.Name()
	}
	return ""
}

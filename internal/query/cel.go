package query

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
)

var (
	ErrInvalidExpression = errors.New("invalid CEL expression")
	ErrEvaluationFailed  = errors.New("CEL evaluation failed")
)

// Evaluator compiles and evaluates CEL filter expressions against file
// summaries.
type Evaluator struct {
	env   *cel.Env
	cache sync.Map // map[string]cel.Program
}

// NewEvaluator creates a CEL evaluator with the file summary schema.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("file_id", decls.String),
			decls.NewVar("filename", decls.String),
			decls.NewVar("content_type", decls.String),
			decls.NewVar("extension", decls.String),
			decls.NewVar("owner", decls.String),
			decls.NewVar("total_size", decls.Int),
			decls.NewVar("chunk_count", decls.Int),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}

	return &Evaluator{env: env}, nil
}

// compile parses and compiles an expression. Compiled programs are cached.
func (e *Evaluator) compile(expression string) (cel.Program, error) {
	if cached, ok := e.cache.Load(expression); ok {
		if prg, ok := cached.(cel.Program); ok {
			return prg, nil
		}
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	e.cache.Store(expression, prg)
	return prg, nil
}

// Validate checks if an expression is syntactically valid.
func (e *Evaluator) Validate(_ context.Context, expression string) error {
	_, err := e.compile(expression)
	return err
}

// Filter returns the summaries matching the expression. Entries that fail
// to evaluate are dropped rather than failing the listing.
func (e *Evaluator) Filter(_ context.Context, expression string, summaries []FileSummary) ([]FileSummary, error) {
	prg, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	var matches []FileSummary
	for _, s := range summaries {
		activation := map[string]any{
			"file_id":      s.FileID,
			"filename":     s.OriginalFilename,
			"content_type": s.ContentType,
			"extension":    s.FileExtension,
			"owner":        s.Owner,
			"total_size":   s.TotalSize,
			"chunk_count":  s.ChunkCount,
		}

		out, _, err := prg.Eval(activation)
		if err != nil {
			continue
		}
		if result, ok := out.Value().(bool); ok && result {
			matches = append(matches, s)
		}
	}
	return matches, nil
}

// Package predicate provides scriptable candidate acceptance checks. The
// domain thresholds (profit, confidence, slippage) live in the script; the
// pipeline only sees accept or reject.
package predicate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/TemamAb/ainexus-phoenix-sub000/pkg/pipeline"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single script evaluation.
const DefaultTimeout = 250 * time.Millisecond

// Script evaluates a JavaScript expression against each candidate. The
// expression sees a `candidate` object with id, category, source, createdAt
// (unix milliseconds), and payload (parsed JSON when possible, raw string
// otherwise), and must produce a truthy value to accept.
//
// The program is compiled once; evaluations share one runtime behind a
// mutex and are interrupted on context expiry.
type Script struct {
	program *goja.Program
	timeout time.Duration
	logger  *zap.Logger

	mu sync.Mutex
	vm *goja.Runtime
}

// Compile builds a Script from a JS expression.
func Compile(src string, timeout time.Duration, logger *zap.Logger) (*Script, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	program, err := goja.Compile("predicate", src, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile predicate: %w", err)
	}

	vm := goja.New()
	if err := sanitize(vm); err != nil {
		return nil, err
	}

	return &Script{
		program: program,
		timeout: timeout,
		logger:  logger,
		vm:      vm,
	}, nil
}

// sanitize strips host-environment globals a predicate has no business
// touching.
func sanitize(vm *goja.Runtime) error {
	for _, name := range []string{"require", "module", "exports", "process", "global"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}

// Accept implements pipeline.Predicate.
func (s *Script) Accept(ctx context.Context, c pipeline.Candidate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload any
	if err := json.Unmarshal(c.Payload, &payload); err != nil {
		payload = string(c.Payload)
	}

	if err := s.vm.Set("candidate", map[string]any{
		"id":        c.ID,
		"category":  c.Category,
		"source":    c.Source,
		"createdAt": c.CreatedAt.UnixMilli(),
		"payload":   payload,
	}); err != nil {
		return false, fmt.Errorf("failed to bind candidate: %w", err)
	}

	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-tctx.Done():
			s.vm.Interrupt("predicate timeout")
		case <-done:
		}
	}()

	value, err := s.vm.RunProgram(s.program)
	close(done)
	s.vm.ClearInterrupt()

	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return false, fmt.Errorf("predicate evaluation timed out after %s", s.timeout)
		}
		return false, fmt.Errorf("predicate evaluation failed: %w", err)
	}

	accepted := value.ToBoolean()
	s.logger.Debug("predicate evaluated",
		zap.String("record_id", c.ID),
		zap.Bool("accepted", accepted))
	return accepted, nil
}

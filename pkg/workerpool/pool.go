// Package workerpool applies a function to a batch of items with bounded
// concurrency and per-item retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Config bounds a Run.
type Config struct {
	Workers int
	// MaxRetries is how often a failed item is retried unless its error is Permanent.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number.
	RetryDelay time.Duration
}

// DefaultConfig returns defaults sized for one form's submissions.
func DefaultConfig() Config {
	return Config{Workers: 8, MaxRetries: 2, RetryDelay: 100 * time.Millisecond}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// Outcome is the result for the item at Index.
type Outcome[T any] struct {
	Index    int
	Item     T
	Err      error
	Attempts int
}

// Summary counts the outcomes of a Run.
type Summary struct {
	Succeeded int
	Failed    int
	Retried   int
}

// Run calls fn for every item and returns one outcome per item, in item
// order. A failing item never stops its siblings. Items not yet started when
// ctx ends fail with the context error.
func Run[T any](ctx context.Context, cfg Config, items []T, fn func(context.Context, T) error) ([]Outcome[T], Summary) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	outcomes := make([]Outcome[T], len(items))

	sem := make(chan struct{}, cfg.Workers)
	var wg sync.WaitGroup
	for i, item := range items {
		outcomes[i] = Outcome[T]{Index: i, Item: item}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			outcomes[i].Err = ctx.Err()
			continue
		}
		wg.Add(1)
		go func(o *Outcome[T]) {
			defer func() { <-sem; wg.Done() }()
			attempt(ctx, cfg, o, fn)
		}(&outcomes[i])
	}
	wg.Wait()

	var sum Summary
	for _, o := range outcomes {
		if o.Err == nil {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
		if o.Attempts > 1 {
			sum.Retried += o.Attempts - 1
		}
	}
	return outcomes, sum
}

func attempt[T any](ctx context.Context, cfg Config, o *Outcome[T], fn func(context.Context, T) error) {
	defer func() {
		if r := recover(); r != nil {
			o.Err = Permanent(fmt.Errorf("panic: %v", r))
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			if o.Err == nil {
				o.Err = err
			}
			return
		}
		o.Attempts++
		o.Err = fn(ctx, o.Item)
		if o.Err == nil || IsPermanent(o.Err) || o.Attempts > cfg.MaxRetries {
			return
		}

		t := time.NewTimer(cfg.RetryDelay * time.Duration(o.Attempts))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

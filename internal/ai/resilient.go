package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/suPer8Hu/ragchat/internal/common"
)

type ResilienceOptions struct {
	Timeout time.Duration
	// RetryDelay is the pause before the single retry after a timeout.
	RetryDelay time.Duration
	// Consecutive failures that open the breaker.
	TripAfter uint32
	// How long the breaker stays open before letting a probe through.
	OpenFor time.Duration
}

func (o ResilienceOptions) withDefaults() ResilienceOptions {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	if o.TripAfter == 0 {
		o.TripAfter = 5
	}
	if o.OpenFor <= 0 {
		o.OpenFor = 30 * time.Second
	}
	return o
}

// ResilientProvider bounds every call with a timeout, retries once when that
// timeout fires, and stops calling a failing upstream through a circuit
// breaker. Every failure it returns wraps common.ErrUpstream.
type ResilientProvider struct {
	inner Provider
	opts  ResilienceOptions
	cb    *gobreaker.TwoStepCircuitBreaker
}

func NewResilientProvider(name string, inner Provider, opts ResilienceOptions) *ResilientProvider {
	opts = opts.withDefaults()
	tripAfter := opts.TripAfter
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: opts.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= tripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[Provider] breaker=%s state %s -> %s", name, from, to)
		},
	})
	return &ResilientProvider{inner: inner, opts: opts, cb: cb}
}

func upstreamErr(err error) error {
	if errors.Is(err, common.ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %w", common.ErrUpstream, err)
}

// countsAsSuccess keeps caller cancellations out of the breaker's failure count.
func countsAsSuccess(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// retryable reports whether err is our own per-call timeout firing while the
// caller is still waiting.
func retryable(parent context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil
}

func (p *ResilientProvider) policy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.opts.RetryDelay), 1), ctx)
}

func (p *ResilientProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	done, err := p.cb.Allow()
	if err != nil {
		return "", upstreamErr(err)
	}

	var reply string
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
		r, err := p.inner.Chat(callCtx, messages)
		if err == nil {
			reply = r
			return nil
		}
		if retryable(ctx, err) {
			log.Printf("[Provider] call timed out after %s, retrying", p.opts.Timeout)
			return err
		}
		return backoff.Permanent(err)
	}

	err = backoff.Retry(op, p.policy(ctx))
	done(countsAsSuccess(err))
	if err != nil {
		return "", upstreamErr(err)
	}
	return reply, nil
}

// StreamChat retries only when the timeout fires before the first increment;
// once text has been emitted a failure ends the stream. Providers without
// streaming support are served by Chat as a single increment.
func (p *ResilientProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		sp, ok := p.inner.(StreamProvider)
		if !ok {
			reply, err := p.Chat(ctx, messages)
			if err != nil {
				errs <- err
				return
			}
			if !send(ctx, chunks, reply) {
				errs <- ctx.Err()
			}
			return
		}

		done, err := p.cb.Allow()
		if err != nil {
			errs <- upstreamErr(err)
			return
		}

		var emitted bool
		attempt := func() error {
			callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
			defer cancel()
			in, inErrs := sp.StreamChat(callCtx, messages)
			for c := range in {
				if !send(ctx, chunks, c) {
					return ctx.Err()
				}
				emitted = true
			}
			return <-inErrs
		}

		op := func() error {
			err := attempt()
			if err != nil && !emitted && retryable(ctx, err) {
				log.Printf("[Provider] stream timed out after %s before first chunk, retrying", p.opts.Timeout)
				return err
			}
			if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}

		err = backoff.Retry(op, p.policy(ctx))
		done(countsAsSuccess(err))
		if err != nil {
			errs <- upstreamErr(err)
		}
	}()

	return chunks, errs
}

// Package session acquires exclusive-ish persisted resources (session files)
// with a bounded retry policy: busy failures back off linearly, corrupt
// resources are removed before the next attempt, anything else is fatal.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	logx "completiond/pkg/logx"
)

// Config controls retry behavior and the file-backed store.
type Config struct {
	Dir          string
	MaxAttempts  int
	BaseDelay    time.Duration
	MinValidSize int64
	BusyTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Dir) == "" {
		c.Dir = "sessions"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MinValidSize <= 0 {
		c.MinValidSize = 1024
	}
	if c.BusyTimeout < 0 {
		c.BusyTimeout = 0
	}
	return c
}

// Resource is whatever an OpenFunc yields. The caller owns it.
type Resource = io.Closer

// OpenFunc performs one acquisition attempt.
type OpenFunc func(ctx context.Context, identity string) (Resource, error)

// Remover deletes the persisted form of a resource.
type Remover interface {
	Remove(identity string) error
}

type Acquirer struct {
	cfg   Config
	store Remover
	log   logx.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func NewAcquirer(cfg Config, store Remover, log logx.Logger) *Acquirer {
	return &Acquirer{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log.With(logx.String("comp", "session")),
		sleep: sleepCtx,
	}
}

// Acquire calls open up to MaxAttempts times. A busy failure on attempt n waits
// BaseDelay*n before the next attempt; a corrupt failure removes the persisted
// resource first. Every other failure returns immediately as *FatalResourceError.
func (a *Acquirer) Acquire(ctx context.Context, identity string, open OpenFunc) (Resource, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	maxAttempts := a.cfg.MaxAttempts

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := open(ctx, identity)
		if err == nil {
			if attempt > 1 {
				a.log.Info("session acquired after retry", logx.String("identity", identity), logx.Int("attempt", attempt))
			}
			return res, nil
		}
		last = err

		switch {
		case errors.Is(err, ErrBusy):
			if attempt == maxAttempts {
				break
			}
			wait := a.cfg.BaseDelay * time.Duration(attempt)
			a.log.Warn("session busy, retrying", logx.String("identity", identity), logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
			if serr := a.sleep(ctx, wait); serr != nil {
				return nil, &FatalResourceError{Identity: identity, Attempts: attempt, Err: serr}
			}

		case errors.Is(err, ErrCorrupt):
			if a.store != nil {
				if rerr := a.store.Remove(identity); rerr != nil {
					return nil, &FatalResourceError{Identity: identity, Attempts: attempt, Err: fmt.Errorf("remove corrupt resource: %w", rerr)}
				}
			}
			a.log.Warn("session corrupt, removed", logx.String("identity", identity), logx.Int("attempt", attempt), logx.Err(err))

		default:
			return nil, &FatalResourceError{Identity: identity, Attempts: attempt, Err: err}
		}
	}
	a.log.Error("session acquire exhausted", logx.String("identity", identity), logx.Int("attempts", maxAttempts), logx.Err(last))
	return nil, &FatalResourceError{Identity: identity, Attempts: maxAttempts, Err: fmt.Errorf("%w: %w", ErrAttemptsExhausted, last)}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

/*
 *
 * Copyright 2025 The lapce-ai Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shmipc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Reconnector dials with exponential backoff. Clients use it both for the
// initial connect (the server may not be up yet) and after a connection
// faults: tear the old Conn down, then call Connect again. Each successful
// cycle yields a fresh segment with a new generation, so stale mappings and
// replayed message IDs are detectable.
type Reconnector struct {
	name string
	cfg  *Config
	opts []Option

	clk clock.Clock
	log *zap.Logger
	// metrics shared across cycles via the registry passed in opts
	metrics *Metrics
}

// NewReconnector prepares a reconnector for the listener at name. The
// options are reapplied on every dial; WithClock additionally controls the
// backoff sleeps.
func NewReconnector(name string, cfg *Config, opts ...Option) *Reconnector {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Reconnector{
		name:    name,
		cfg:     cfg,
		opts:    opts,
		clk:     o.clock,
		log:     o.log.Named("shmipc").With(zap.String("listener", name)),
		metrics: NewMetrics(o.reg),
	}
}

// Connect dials until it succeeds, the attempt ceiling is hit, or ctx is
// done. Failures that cannot improve with retries (bad configuration,
// oversized names) surface immediately.
func (r *Reconnector) Connect(ctx context.Context) (*Conn, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.ReconnectMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt - 1)
			r.log.Debug("reconnect backoff",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			t := r.clk.Timer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		conn, err := Dial(r.name, r.cfg, r.opts...)
		if err == nil {
			if attempt > 0 && r.metrics != nil {
				r.metrics.Reconnects.Inc()
			}
			return conn, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %d attempts exhausted: %v",
		ErrDisconnected, r.cfg.ReconnectMaxAttempts, lastErr)
}

// backoff is min(base << n, max) plus up to 25% jitter, so a herd of
// clients chasing a restarted server spreads out.
func (r *Reconnector) backoff(n int) time.Duration {
	d := r.cfg.ReconnectBaseDelay
	for i := 0; i < n && d < r.cfg.ReconnectMaxDelay; i++ {
		d *= 2
	}
	if d > r.cfg.ReconnectMaxDelay {
		d = r.cfg.ReconnectMaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(d/4)+1))
}

// retryable reports whether another dial attempt could succeed. Absent or
// busy listeners are transient; validation failures are not.
func retryable(err error) bool {
	var segErr *SegmentError
	return errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrPeerGone) ||
		errors.As(err, &segErr)
}

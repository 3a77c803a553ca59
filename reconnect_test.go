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
	"testing"
	"time"
)

func fastReconnectConfig() *Config {
	cfg := DefaultConfig()
	cfg.RingCapacity = 1 << 16
	cfg.MaxMessageSize = 1 << 12
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 8 * time.Millisecond
	cfg.ReconnectMaxAttempts = 3
	return cfg
}

func TestBackoffGrowthAndCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReconnectBaseDelay = 100 * time.Millisecond
	cfg.ReconnectMaxDelay = time.Second
	r := NewReconnector("unused", cfg)

	prevMin := time.Duration(0)
	for n := 0; n < 10; n++ {
		d := r.backoff(n)
		base := cfg.ReconnectBaseDelay << uint(n)
		if base > cfg.ReconnectMaxDelay {
			base = cfg.ReconnectMaxDelay
		}
		if d < base {
			t.Errorf("backoff(%d) = %v below base %v", n, d, base)
		}
		if max := base + base/4; d > max {
			t.Errorf("backoff(%d) = %v above jitter ceiling %v", n, d, max)
		}
		if base < cfg.ReconnectMaxDelay && base <= prevMin {
			t.Errorf("backoff base did not grow at attempt %d", n)
		}
		prevMin = base
	}
}

func TestConnectExhaustsAttempts(t *testing.T) {
	cfg := fastReconnectConfig()
	r := NewReconnector(fmt.Sprintf("no-listener-%d", time.Now().UnixNano()), cfg)

	start := time.Now()
	_, err := r.Connect(context.Background())
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Connect = %v, want ErrDisconnected", err)
	}
	// Two backoff sleeps of at most 10ms each plus three dial attempts.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Connect took %v, backoff not bounded", elapsed)
	}
}

func TestConnectHonorsContext(t *testing.T) {
	cfg := fastReconnectConfig()
	cfg.ReconnectBaseDelay = 10 * time.Second // force a long sleep after attempt 1
	cfg.ReconnectMaxDelay = 10 * time.Second
	r := NewReconnector(fmt.Sprintf("no-listener-%d", time.Now().UnixNano()), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := r.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect = %v, want context.DeadlineExceeded", err)
	}
}

func TestConnectSucceedsWhenListenerAppears(t *testing.T) {
	cfg := fastReconnectConfig()
	cfg.ReconnectMaxAttempts = 50
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	name := fmt.Sprintf("late-listener-%d", time.Now().UnixNano())

	// Bring the listener up only after the client has failed a few times.
	lisReady := make(chan *Listener, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		lis, err := Listen(name, cfg)
		if err != nil {
			t.Errorf("Listen: %v", err)
			lisReady <- nil
			return
		}
		lisReady <- lis
		conn, err := lis.Accept(5 * time.Second)
		if err == nil && conn != nil {
			defer conn.Close()
			conn.Recv(time.Second)
		}
	}()

	r := NewReconnector(name, cfg)
	conn, err := r.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if conn.State() != StateEstablished {
		t.Errorf("state = %v, want established", conn.State())
	}
	if lis := <-lisReady; lis != nil {
		defer lis.Close()
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrDisconnected, true},
		{ErrPeerGone, true},
		{&SegmentError{Op: "open", Err: errors.New("mmap failed")}, true},
		{fmt.Errorf("wrapped: %w", ErrDisconnected), true},
		{ErrMessageTooLarge, false},
		{errors.New("shmipc: empty segment name"), false},
	}
	for _, tc := range cases {
		if got := retryable(tc.err); got != tc.want {
			t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

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

// shmipc-bench measures loopback latency and throughput of the transport.
// It runs a listener and a dialer in one process, echoes messages through a
// real shared-memory segment, and prints round-trip percentiles plus the
// sustained one-way throughput for a range of payload sizes.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/lapce-ai/shmipc"
	"github.com/lapce-ai/shmipc/internal/logging"
)

var (
	logLevel = flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	name     = flag.String("name", fmt.Sprintf("shmipc-bench-%d", os.Getpid()), "bootstrap name")
	rounds   = flag.Int("rounds", 10000, "echo round trips per payload size")
	ringCap  = flag.Uint64("ring", 1<<20, "per-direction ring capacity in bytes")
	compress = flag.Bool("compress", false, "enable zstd compression")
)

func main() {
	flag.Parse()

	cfg := shmipc.DefaultConfig()
	cfg.RingCapacity = *ringCap
	cfg.Compress = *compress

	logger := logging.New(*logLevel)
	defer logger.Sync()

	lis, err := shmipc.Listen(*name, cfg, shmipc.WithLogger(logger))
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	serverErr := make(chan error, 1)
	go func() { serverErr <- echoServer(lis) }()

	conn, err := shmipc.Dial(*name, cfg, shmipc.WithLogger(logger))
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Printf("ring=%d compress=%v rounds=%d\n\n", *ringCap, *compress, *rounds)
	fmt.Printf("%-10s %10s %10s %10s %12s\n", "payload", "p50", "p99", "max", "throughput")

	for _, size := range []int{64, 256, 1024, 4096, 65536, 1 << 20} {
		if uint64(size) > *ringCap/4 {
			break
		}
		p50, p99, max, mbps, err := benchSize(conn, size, *rounds)
		if err != nil {
			log.Fatalf("bench %d bytes: %v", size, err)
		}
		fmt.Printf("%-10d %10v %10v %10v %9.1f MB/s\n", size, p50, p99, max, mbps)
	}

	conn.Close()
	lis.Close()
	if err := <-serverErr; err != nil {
		log.Printf("server: %v", err)
	}
}

func echoServer(lis *shmipc.Listener) error {
	conn, err := lis.Accept(10 * time.Second)
	if err != nil || conn == nil {
		return fmt.Errorf("accept: %v", err)
	}
	defer conn.Close()
	for {
		msg, err := conn.Recv(0)
		if err != nil {
			return nil // peer closed
		}
		if err := conn.Send(msg.Type, msg.Payload); err != nil {
			return fmt.Errorf("echo send: %w", err)
		}
	}
}

func benchSize(conn *shmipc.Conn, size, rounds int) (p50, p99, max time.Duration, mbps float64, err error) {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	lat := make([]time.Duration, 0, rounds)
	start := time.Now()
	for i := 0; i < rounds; i++ {
		t0 := time.Now()
		if err = conn.Send(shmipc.MsgChatMessage, payload); err != nil {
			return
		}
		var msg *shmipc.Message
		if msg, err = conn.Recv(5 * time.Second); err != nil {
			return
		}
		if msg == nil {
			err = fmt.Errorf("echo timed out after %d rounds", i)
			return
		}
		lat = append(lat, time.Since(t0))
	}
	elapsed := time.Since(start)

	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	p50 = lat[len(lat)/2]
	p99 = lat[len(lat)*99/100]
	max = lat[len(lat)-1]
	// Each round moves the payload twice.
	mbps = float64(size) * 2 * float64(rounds) / elapsed.Seconds() / 1e6
	return
}

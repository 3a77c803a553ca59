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

package shmipc_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lapce-ai/shmipc"
)

// Listener names up to 47 bytes must work end to end: the per-connection
// segment name gets a 17-byte suffix and has to stay within the 64-byte
// segment name limit. One byte more is rejected at bind time.
func TestListenNameLengthBudget(t *testing.T) {
	cfg := testConfig()

	base := fmt.Sprintf("shmipc-name-%d-", time.Now().UnixNano())
	longest := base + strings.Repeat("x", 47-len(base))

	lis, err := shmipc.Listen(longest, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	accepted := make(chan *shmipc.Conn, 1)
	go func() {
		conn, _ := lis.Accept(5 * time.Second)
		accepted <- conn
	}()

	client, err := shmipc.Dial(longest, cfg)
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	require.NotNil(t, server)
	defer server.Close()

	_, err = shmipc.Listen(longest+"x", cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "too long")
}

func testConfig() *shmipc.Config {
	cfg := shmipc.DefaultConfig()
	cfg.RingCapacity = 4 << 20
	cfg.MaxMessageSize = 2 << 20
	cfg.ConnectTimeout = 5 * time.Second
	return cfg
}

// loopbackPair runs a listener and a dialer against a unique name and hands
// back both ends of an established connection.
func loopbackPair(t *testing.T, cfg *shmipc.Config) (server, client *shmipc.Conn) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	name := fmt.Sprintf("shmipc-test-%d", time.Now().UnixNano())

	lis, err := shmipc.Listen(name, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	accepted := make(chan *shmipc.Conn, 1)
	errs := make(chan error, 1)
	go func() {
		conn, err := lis.Accept(5 * time.Second)
		if err != nil {
			errs <- err
			return
		}
		accepted <- conn
	}()

	client, err = shmipc.Dial(name, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-accepted:
	case err := <-errs:
		t.Fatalf("accept: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("accept timed out")
	}
	t.Cleanup(func() { server.Close() })
	return server, client
}

func TestLoopbackEcho(t *testing.T) {
	server, client := loopbackPair(t, nil)

	require.Equal(t, shmipc.StateEstablished, client.State())
	require.Equal(t, shmipc.StateEstablished, server.State())
	require.Equal(t, server.Generation(), client.Generation())

	payload := []byte("ask: refactor this function")
	require.NoError(t, client.Send(shmipc.MsgAskRequest, payload))

	msg, err := server.Recv(5 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, shmipc.MsgAskRequest, msg.Type)
	require.Equal(t, payload, msg.Payload)
	require.Greater(t, msg.ID, uint64(0))

	reply := []byte("done")
	require.NoError(t, server.Send(shmipc.MsgAskResponse, reply))
	msg, err = client.Recv(5 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, reply, msg.Payload)
}

func TestLoopbackOrderingUnderLoad(t *testing.T) {
	server, client := loopbackPair(t, nil)

	const n = 1000
	done := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			payload := bytes.Repeat([]byte{byte(i)}, 256)
			if err := client.Send(shmipc.MsgStreamChunk, payload); err != nil {
				done <- fmt.Errorf("send %d: %w", i, err)
				return
			}
		}
		done <- nil
	}()

	var lastID uint64
	for i := 0; i < n; i++ {
		msg, err := server.Recv(10 * time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg, "timed out waiting for message %d", i)
		require.Greater(t, msg.ID, lastID, "IDs must be strictly increasing")
		lastID = msg.ID
		require.Len(t, msg.Payload, 256)
		require.Equal(t, byte(i), msg.Payload[0], "messages out of order")
	}
	require.NoError(t, <-done)
}

func TestLoopbackLargeMessage(t *testing.T) {
	server, client := loopbackPair(t, nil)

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	recvd := make(chan *shmipc.Message, 1)
	errs := make(chan error, 1)
	go func() {
		msg, err := server.Recv(10 * time.Second)
		if err != nil {
			errs <- err
			return
		}
		recvd <- msg
	}()

	require.NoError(t, client.Send(shmipc.MsgEditRequest, payload))

	select {
	case msg := <-recvd:
		require.Equal(t, payload, msg.Payload)
	case err := <-errs:
		t.Fatalf("recv: %v", err)
	case <-time.After(15 * time.Second):
		t.Fatal("large message never arrived")
	}
}

func TestLoopbackCompressed(t *testing.T) {
	cfg := testConfig()
	cfg.Compress = true
	server, client := loopbackPair(t, cfg)

	payload := bytes.Repeat([]byte("lorem ipsum dolor sit amet "), 4096)
	require.NoError(t, client.Send(shmipc.MsgChatMessage, payload))

	msg, err := server.Recv(5 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, payload, msg.Payload)
}

func TestSendTooLarge(t *testing.T) {
	_, client := loopbackPair(t, nil)

	err := client.Send(shmipc.MsgEditRequest, make([]byte, 4<<20))
	require.ErrorIs(t, err, shmipc.ErrMessageTooLarge)
}

func TestBackpressureErrorPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.RingCapacity = 1 << 16
	cfg.MaxMessageSize = 1 << 14
	cfg.Backpressure = shmipc.BackpressureError
	_, client := loopbackPair(t, cfg)

	// Nobody reads on the server; the ring must fill and Send must report
	// backpressure instead of blocking.
	payload := make([]byte, 1<<14)
	var sawWouldBlock bool
	for i := 0; i < 64; i++ {
		err := client.Send(shmipc.MsgStreamChunk, payload)
		if err != nil {
			require.ErrorIs(t, err, shmipc.ErrWouldBlock)
			sawWouldBlock = true
			break
		}
	}
	require.True(t, sawWouldBlock, "ring never filled")
}

func TestCloseUnblocksPeer(t *testing.T) {
	server, client := loopbackPair(t, nil)

	recvErr := make(chan error, 1)
	go func() {
		_, err := server.Recv(30 * time.Second)
		recvErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-recvErr:
		require.ErrorIs(t, err, shmipc.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("close did not unblock the peer's recv")
	}
	require.Equal(t, shmipc.StateClosed, client.State())
}

// A send to a peer that closed cooperatively fails with ErrClosed right
// away, even with room in the ring; backpressure never masks a close.
func TestSendToClosedPeer(t *testing.T) {
	server, client := loopbackPair(t, nil)

	require.NoError(t, server.Close())
	require.ErrorIs(t, client.Send(shmipc.MsgChatMessage, []byte("late")), shmipc.ErrClosed)
}

func TestSendAfterClose(t *testing.T) {
	_, client := loopbackPair(t, nil)
	require.NoError(t, client.Close())
	require.ErrorIs(t, client.Send(shmipc.MsgChatMessage, []byte("x")), shmipc.ErrClosed)
}

func TestRecvTimeout(t *testing.T) {
	server, _ := loopbackPair(t, nil)

	start := time.Now()
	msg, err := server.Recv(100 * time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, msg, "no message was sent")
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRecvContextCancel(t *testing.T) {
	server, _ := loopbackPair(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	recvErr := make(chan error, 1)
	go func() {
		_, err := server.RecvContext(ctx)
		recvErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-recvErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not unblock recv")
	}
}

func TestConcurrentConnections(t *testing.T) {
	cfg := testConfig()
	name := fmt.Sprintf("shmipc-test-multi-%d", time.Now().UnixNano())

	lis, err := shmipc.Listen(name, cfg)
	require.NoError(t, err)
	defer lis.Close()

	const conns = 4
	go func() {
		for i := 0; i < conns; i++ {
			conn, err := lis.Accept(10 * time.Second)
			if err != nil || conn == nil {
				return
			}
			go func(c *shmipc.Conn) {
				defer c.Close()
				for {
					msg, err := c.Recv(10 * time.Second)
					if err != nil || msg == nil {
						return
					}
					if err := c.Send(msg.Type, msg.Payload); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	seen := make(map[uint64]bool)
	for i := 0; i < conns; i++ {
		client, err := shmipc.Dial(name, cfg)
		require.NoError(t, err)

		// Generations are unique per connection.
		require.False(t, seen[client.Generation()], "generation reused")
		seen[client.Generation()] = true

		payload := []byte(fmt.Sprintf("conn-%d", i))
		require.NoError(t, client.Send(shmipc.MsgChatMessage, payload))
		msg, err := client.Recv(5 * time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.Equal(t, payload, msg.Payload)
		client.Close()
	}
}

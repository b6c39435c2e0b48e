// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package channel

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/flyhook/internal/dispatch"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/logging"
)

// DefaultOutputCap is the reply capacity Do declares when the caller does
// not choose one.
const DefaultOutputCap = 256 << 10

// Client is the user-space side of the command channel. One connection
// carries any number of concurrent commands; replies are demultiplexed by
// correlation id on a dedicated reader goroutine.
type Client struct {
	conn net.Conn
	log  *logging.Logger

	wmu sync.Mutex

	mu      sync.Mutex
	waiters map[uint64]chan *Reply
	next    uint64
	readErr error
	done    chan struct{}
}

// Dial connects to the daemon's command socket.
func Dial(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "dial %s", socketPath)
	}

	c := &Client{
		conn:    conn,
		log:     logging.WithComponent("channel"),
		waiters: make(map[uint64]chan *Reply),
		done:    make(chan struct{}),
	}
	// Correlation ids must not collide across client processes sharing the
	// daemon, so the counter starts at a random point.
	seed := uuid.New()
	c.next = binary.LittleEndian.Uint64(seed[:8])

	go c.readLoop()
	return c, nil
}

// Close hangs up. In-flight Do calls fail.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.fail(errors.New(errors.KindCancelled, "client closed"))
	return err
}

// Do submits one command and waits for its reply. Async commands block
// until the daemon's deferred completion arrives. When ctx expires first,
// a cancellation hint is sent and the abandoned reply is discarded on
// arrival.
func (c *Client) Do(ctx context.Context, cmd dispatch.Command, payload []byte, outputCap uint32) ([]byte, error) {
	if outputCap == 0 {
		outputCap = DefaultOutputCap
	}
	corr := c.nextCorrelation()
	ch := make(chan *Reply, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, err
	}
	c.waiters[corr] = ch
	c.mu.Unlock()
	defer c.forget(corr)

	req := &Request{
		Command:     uint32(cmd),
		Correlation: corr,
		OutputCap:   outputCap,
		Payload:     payload,
	}
	c.wmu.Lock()
	err := WriteRequest(c.conn, req)
	c.wmu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "send command")
	}

	select {
	case rep := <-ch:
		return DecodeOutcome(rep)
	case <-c.done:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		return nil, err
	case <-ctx.Done():
		go c.sendCancel(corr)
		return nil, errors.Wrap(ctx.Err(), errors.KindCancelled, "command abandoned")
	}
}

// nextCorrelation never returns zero; zero marks a command that wants no
// deferred completion tracking.
func (c *Client) nextCorrelation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	if c.next == 0 {
		c.next++
	}
	return c.next
}

// Cancel asks the daemon to cancel the async command registered under
// corr. Success means the request was noted; the cancelled command still
// finishes through its own completion.
func (c *Client) Cancel(ctx context.Context, corr uint64) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, corr)
	_, err := c.Do(ctx, dispatch.CmdCancel, payload, 64)
	return err
}

// sendCancel fires a best-effort cancel for an abandoned correlation.
func (c *Client) sendCancel(corr uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Cancel(ctx, corr); err != nil {
		c.log.WithError(err).Debug("Cancel hint not delivered", "correlation", corr)
	}
}

func (c *Client) forget(corr uint64) {
	c.mu.Lock()
	delete(c.waiters, corr)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		rep, err := ReadReply(c.conn)
		if err != nil {
			c.fail(errors.Wrap(err, errors.KindInternal, "command channel closed"))
			return
		}
		c.mu.Lock()
		ch := c.waiters[rep.Correlation]
		c.mu.Unlock()
		if ch == nil {
			// Completion for an abandoned command.
			c.log.Debug("Dropping unmatched reply", "correlation", rep.Correlation)
			continue
		}
		select {
		case ch <- rep:
		default:
			c.log.Debug("Dropping duplicate reply", "correlation", rep.Correlation)
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return
	}
	c.readErr = err
	close(c.done)
}

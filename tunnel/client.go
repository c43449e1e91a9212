package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// queueDepth covers every endpoint of both directions having a transfer in
// flight at once.
const queueDepth = 32

var ErrClosed = errors.New("tunnel closed")

type request struct {
	kind MsgType
	ep   uint8
	buf  []byte
	done func(int)
}

// Client is the device side of the tunnel. Requests are carried one at a
// time, in the order they were issued, by a single worker goroutine which
// also invokes the completions.
//
// When the connection fails, requests still queued or in flight are never
// completed.
type Client struct {
	conn net.Conn
	tx   *Sender
	rx   *Receiver

	reqs   chan request
	queued atomic.Int32

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error

	log *log.Entry
}

// Dial connects to a tunnel peer listening on host:port.
func Dial(ctx context.Context, host string, port int) (*Client, error) {
	var d net.Dialer

	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c, err := NewClient(conn)
	if err != nil {
		conn.Close()

		return nil, err
	}

	c.log.WithField("addr", addr).Info("tunnel connected")

	return c, nil
}

// NewClient performs the hello exchange on conn and starts the worker.
func NewClient(conn net.Conn) (*Client, error) {
	c := &Client{
		conn:   conn,
		tx:     NewSender(conn),
		rx:     NewReceiver(conn),
		reqs:   make(chan request, queueDepth),
		closed: make(chan struct{}),
		log:    log.WithField("tunnel", conn.RemoteAddr().String()),
	}

	if err := c.tx.SendHello(); err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}

	payload, err := c.rx.Expect(MsgHello)
	if err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}

	if err := DecodeHello(payload); err != nil {
		return nil, err
	}

	c.wg.Add(1)

	go c.worker()

	return c, nil
}

// IsBusy reports whether any request is queued or in flight.
func (c *Client) IsBusy() bool {
	return c.queued.Load() > 0
}

// Send queues data for endpoint ep. The data is copied.
func (c *Client) Send(ep uint8, data []byte, done func(n int)) {
	c.enqueue(request{kind: MsgSend, ep: ep, buf: append([]byte(nil), data...), done: done})
}

// Recv asks the peer for up to len(buf) bytes for endpoint ep.
func (c *Client) Recv(ep uint8, buf []byte, done func(n int)) {
	c.enqueue(request{kind: MsgRecv, ep: ep, buf: buf, done: done})
}

func (c *Client) enqueue(r request) {
	c.queued.Add(1)

	select {
	case c.reqs <- r:
	case <-c.closed:
		c.log.WithField("ep", r.ep).Debug("request on closed tunnel dropped")
	}
}

func (c *Client) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closed:
			return
		case r := <-c.reqs:
			n, err := c.do(r)
			if err != nil {
				c.fail(err)

				return
			}

			c.queued.Add(-1)
			r.done(n)
		}
	}
}

func (c *Client) do(r request) (int, error) {
	l := c.log.WithField("ep", r.ep).WithField("len", len(r.buf))

	if r.kind == MsgSend {
		l.Debug("send")

		if err := c.tx.SendData(MsgSend, r.ep, r.buf); err != nil {
			return 0, err
		}

		payload, err := c.rx.Expect(MsgAck)
		if err != nil {
			return 0, err
		}

		n, err := DecodeAck(payload)
		if err != nil {
			return 0, err
		}

		return int(min(n, uint64(len(r.buf)))), nil
	}

	l.Debug("recv")

	if err := c.tx.SendRecv(r.ep, uint64(len(r.buf))); err != nil {
		return 0, err
	}

	payload, err := c.rx.Expect(MsgData)
	if err != nil {
		return 0, err
	}

	ep, data, err := DecodeData(payload)
	if err != nil {
		return 0, err
	}

	if ep != r.ep {
		return 0, fmt.Errorf("%w: data for endpoint %d, asked %d", errUnexpected, ep, r.ep)
	}

	return copy(r.buf, data), nil
}

func (c *Client) fail(err error) {
	select {
	case <-c.closed:
		return
	default:
	}

	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()

	c.log.WithError(err).Error("tunnel failed")
	c.shutdown()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Err returns the error that broke the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Done is closed once the client stops carrying requests.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close tears down the connection and waits for the worker.
func (c *Client) Close() error {
	c.shutdown()
	c.wg.Wait()

	return nil
}

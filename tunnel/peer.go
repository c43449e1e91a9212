package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Sink consumes data the device sends on an IN endpoint and returns how many
// bytes it accepted.
type Sink interface {
	Consume(ep uint8, data []byte) (int, error)
}

// Source fills buf with data for an OUT endpoint.
type Source interface {
	Produce(ep uint8, buf []byte) (int, error)
}

// Peer is the remote end of the tunnel. Sink and Source must be safe for
// concurrent use when more than one device connects.
type Peer struct {
	Sink   Sink
	Source Source
}

// Serve accepts connections on ln until ctx is done.
func (p *Peer) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()

		return ln.Close()
	})

	log.WithField("addr", ln.Addr().String()).Info("tunnel peer listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}

			cancel()

			return errors.Join(fmt.Errorf("accept: %w", err), g.Wait())
		}

		g.Go(func() error {
			defer conn.Close()

			return p.ServeConn(ctx, conn)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

// ServeConn answers requests on a single connection until it is closed by
// the device or ctx is done.
func (p *Peer) ServeConn(ctx context.Context, conn net.Conn) error {
	l := log.WithField("tunnel", conn.RemoteAddr().String())
	tx, rx := NewSender(conn), NewReceiver(conn)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	payload, err := rx.Expect(MsgHello)
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	if err := tx.SendHello(); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	if err := DecodeHello(payload); err != nil {
		return err
	}

	l.Info("device connected")

	for {
		t, payload, err := rx.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				l.Info("device disconnected")

				return nil
			}

			return err
		}

		if err := p.handle(tx, t, payload, l); err != nil {
			return err
		}
	}
}

func (p *Peer) handle(tx *Sender, t MsgType, payload []byte, l *log.Entry) error {
	switch t {
	case MsgSend:
		ep, data, err := DecodeData(payload)
		if err != nil {
			return err
		}

		n, err := p.Sink.Consume(ep, data)
		if err != nil {
			return fmt.Errorf("consume ep %d: %w", ep, err)
		}

		l.WithField("ep", ep).WithField("len", n).Debug("consumed")

		return tx.SendAck(uint64(n))
	case MsgRecv:
		ep, limit, err := DecodeRecv(payload)
		if err != nil {
			return err
		}

		if limit > MaxPayload-1 {
			limit = MaxPayload - 1
		}

		buf := make([]byte, limit)

		n, err := p.Source.Produce(ep, buf)
		if err != nil {
			return fmt.Errorf("produce ep %d: %w", ep, err)
		}

		l.WithField("ep", ep).WithField("len", n).Debug("produced")

		return tx.SendData(MsgData, ep, buf[:n])
	default:
		return fmt.Errorf("%w: %s", errUnexpected, t)
	}
}

// WriterSink writes every endpoint's data to W.
type WriterSink struct {
	mu sync.Mutex
	W  io.Writer
}

func (s *WriterSink) Consume(_ uint8, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.W.Write(data)
}

// ReaderSource serves every endpoint from R. Once R is exhausted, requests
// are answered with no data.
type ReaderSource struct {
	mu sync.Mutex
	R  io.Reader
}

func (s *ReaderSource) Produce(_ uint8, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := io.ReadFull(s.R, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return n, nil
	}

	return n, err
}

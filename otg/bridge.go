package otg

// Transport carries endpoint payloads to the remote peer.
//
// IsBusy is advisory. The controller only logs it; whether a completion is
// applied in place or deferred depends solely on whether done has been called
// by the time Send/Recv returns.
//
// Send and Recv must not block. done is called exactly once with the number
// of bytes transferred, either before Send/Recv returns or later from any
// goroutine. Recv fills buf; the buffer is owned by the transport until done
// is called.
type Transport interface {
	IsBusy() bool
	Send(ep uint8, data []byte, done func(n int))
	Recv(ep uint8, buf []byte, done func(n int))
}

// transfer hands buf to the transport and arranges for finish to run on the
// Run goroutine once the transport is done with it. A completion delivered
// before Send/Recv returns is applied in place, so a synchronous transport
// leaves the registers exactly as an asynchronous one does once its
// completion is processed.
func (c *Controller) transfer(dir Direction, n int, buf []byte, finish func(moved uint32)) {
	l := c.log.WithField("ep", n).WithField("dir", dir).WithField("len", len(buf))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l.Debug("controller closed, transfer dropped")

		return
	}
	c.pending.Add(1)
	c.mu.Unlock()

	if c.transport.IsBusy() {
		l.Debug("transport busy, transfer queued")
	}

	gen := c.gen
	ch := make(chan int, 1)
	done := func(moved int) {
		select {
		case ch <- moved:
		default:
			l.Warn("duplicate transfer completion dropped")
		}
	}

	if dir == In {
		c.transport.Send(uint8(n), buf, done)
	} else {
		c.transport.Recv(uint8(n), buf, done)
	}

	deliver := func(moved int) {
		if gen != c.gen {
			l.Debug("stale completion dropped after reset")

			return
		}

		if moved < 0 {
			moved = 0
		}

		finish(uint32(moved))
	}

	select {
	case moved := <-ch:
		c.pending.Done()
		deliver(moved)

		return
	default:
	}

	go func() {
		defer c.pending.Done()

		select {
		case moved := <-ch:
			c.post(func() { deliver(moved) })
		case <-c.ctx.Done():
		}
	}()
}

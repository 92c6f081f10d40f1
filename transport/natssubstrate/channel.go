// Package natssubstrate adapts a NATS core pub/sub subject pair into the
// flow/transport.Channel contract, grounded on adred-codev-ws_poc's NATS
// wiring (go-server/go-server-2/go-server-3/ws modules) as an alternative
// to the KCP+smux substrate for deployments that already run a NATS
// cluster for service discovery or fan-out.
package natssubstrate

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/flowrpc/flow/transport"
)

// Config names the subjects a Channel binds to. Request traffic and reply
// traffic flow on independent subjects, mirroring the (channel, stream-id)
// separation flow's client/server engines already expect.
type Config struct {
	URL            string
	RequestSubject string
	ReplySubject   string
}

// Dial connects to a NATS server and binds a Channel over cfg's subjects.
func Dial(cfg Config) (*Channel, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	return newChannel(nc, cfg.RequestSubject, cfg.ReplySubject)
}

// Channel implements transport.Channel over a pair of NATS subjects: Offer
// publishes to publishSubject, Poll drains a channel subscription bound to
// subscribeSubject.
type Channel struct {
	nc  *nats.Conn
	sub *nats.Subscription

	pub *publication
	in  chan *nats.Msg
}

func newChannel(nc *nats.Conn, publishSubject, subscribeSubject string) (*Channel, error) {
	in := make(chan *nats.Msg, 256)
	sub, err := nc.ChanSubscribe(subscribeSubject, in)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &Channel{
		nc:  nc,
		sub: sub,
		pub: &publication{nc: nc, subject: publishSubject},
		in:  in,
	}, nil
}

func (c *Channel) Publication() transport.Publication   { return c.pub }
func (c *Channel) Subscription() transport.Subscription { return &subscription{in: c.in} }

func (c *Channel) Close() error {
	err := c.sub.Unsubscribe()
	c.nc.Close()
	return err
}

// publication publishes each Offer as one NATS message. NATS core publish
// is fire-and-forget and does not back-pressure the caller, so Offer always
// reports Accepted unless the connection has been closed.
type publication struct {
	nc      *nats.Conn
	subject string
}

func (p *publication) Offer(b []byte) (transport.OfferResult, error) {
	if p.nc.IsClosed() {
		return transport.Closed, transport.ErrClosed
	}
	if err := p.nc.Publish(p.subject, b); err != nil {
		return transport.Closed, err
	}
	return transport.Accepted, nil
}

func (p *publication) Close() error { return nil }

// subscription drains up to fragmentLimit already-buffered messages per
// Poll call without blocking past a short grace window for the first one.
type subscription struct {
	in     chan *nats.Msg
	closed bool
}

const firstMessageWait = 20 * time.Millisecond

func (s *subscription) Poll(handler transport.FragmentHandler, fragmentLimit int) (int, error) {
	if s.closed {
		return 0, transport.ErrClosed
	}

	delivered := 0
	select {
	case msg, ok := <-s.in:
		if !ok {
			return 0, transport.ErrClosed
		}
		handler(msg.Data, msg.Header)
		delivered++
	case <-time.After(firstMessageWait):
		return 0, nil
	}

	for delivered < fragmentLimit {
		select {
		case msg, ok := <-s.in:
			if !ok {
				return delivered, transport.ErrClosed
			}
			handler(msg.Data, msg.Header)
			delivered++
		default:
			return delivered, nil
		}
	}
	return delivered, nil
}

func (s *subscription) Close() error {
	s.closed = true
	return nil
}

// Package kcpsubstrate adapts a KCP (reliable UDP) session multiplexed with
// smux into the flow/transport.Channel contract, grounded on xtaci-kcptun's
// client/dial.go, server/listen.go, std/smuxcfg.go, std/crypt.go and
// std/comp.go.
//
// A Session is one KCP+smux connection; every DialSession call creates a new
// one, and sessions are not shared or cached by remote address. Each Channel
// opens (client side) or accepts (server side) one smux stream on a Session
// and frames messages on it with a
// 4-byte big-endian length prefix, since smux streams are raw byte pipes and
// flow's Publication/Subscription contract is message oriented.
package kcpsubstrate

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"

	"github.com/flowrpc/flow/transport"
)

// Config collects the KCP/smux tuning parameters a flow deployment exposes,
// trimmed to the subset that matters once KCP is merely carrying flow's
// message framing rather than a general-purpose tunnel.
type Config struct {
	Cipher string // one of the names in crypt.go, default "aes"
	Key    []byte

	DataShard   int
	ParityShard int
	MTU         int
	SndWnd      int
	RcvWnd      int

	NoDelay      int
	Interval     int
	Resend       int
	NoCongestion int

	Compress bool
	Smux     SmuxParams
}

// DefaultConfig mirrors the teacher's "fast" profile.
func DefaultConfig() Config {
	return Config{
		Cipher:       "aes",
		DataShard:    10,
		ParityShard:  3,
		MTU:          1350,
		SndWnd:       128,
		RcvWnd:       512,
		NoDelay:      0,
		Interval:     50,
		Resend:       0,
		NoCongestion: 0,
		Compress:     true,
		Smux:         DefaultSmuxParams(),
	}
}

func applyKCPTuning(sess *kcp.UDPSession, cfg Config) {
	sess.SetStreamMode(true)
	sess.SetWriteDelay(false)
	sess.SetNoDelay(cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion)
	sess.SetWindowSize(cfg.SndWnd, cfg.RcvWnd)
	sess.SetMtu(cfg.MTU)
	sess.SetACKNoDelay(false)
}

func maybeCompress(cfg Config, conn net.Conn) net.Conn {
	if !cfg.Compress {
		return conn
	}
	return newCompStream(conn)
}

// Session wraps one KCP connection multiplexed with smux. It is a
// transport.Channel factory: each OpenChannel/AcceptChannel call yields a
// single framed (Publication, Subscription) pair bound to one smux stream.
type Session struct {
	log  zerolog.Logger
	mux  *smux.Session
	conn net.Conn
}

// DialSession opens a client-side KCP session to remoteAddr and layers smux
// over it (xtaci-kcptun client/dial.go).
func DialSession(log zerolog.Logger, remoteAddr string, cfg Config) (*Session, error) {
	block, effective := SelectBlockCrypt(log, cfg.Cipher, cfg.Key)
	log.Info().Str("cipher", effective).Str("remote", remoteAddr).Msg("kcpsubstrate: dialing")

	sess, err := kcp.DialWithOptions(remoteAddr, block, cfg.DataShard, cfg.ParityShard)
	if err != nil {
		return nil, errors.Wrap(err, "kcpsubstrate: dial")
	}
	applyKCPTuning(sess, cfg)

	smuxCfg, err := buildSmuxConfig(cfg.Smux)
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "kcpsubstrate: smux config")
	}

	muxSess, err := smux.Client(maybeCompress(cfg, sess), smuxCfg)
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "kcpsubstrate: smux client handshake")
	}
	return &Session{log: log, mux: muxSess, conn: sess}, nil
}

// Listener accepts inbound KCP sessions (xtaci-kcptun server/listen.go).
type Listener struct {
	log zerolog.Logger
	ln  *kcp.Listener
	cfg Config
}

// Listen binds a server-side KCP listener on addr.
func Listen(log zerolog.Logger, addr string, cfg Config) (*Listener, error) {
	block, effective := SelectBlockCrypt(log, cfg.Cipher, cfg.Key)
	log.Info().Str("cipher", effective).Str("listen", addr).Msg("kcpsubstrate: listening")

	ln, err := kcp.ListenWithOptions(addr, block, cfg.DataShard, cfg.ParityShard)
	if err != nil {
		return nil, errors.Wrap(err, "kcpsubstrate: listen")
	}
	return &Listener{log: log, ln: ln, cfg: cfg}, nil
}

// Accept blocks for the next inbound KCP session and layers smux over it.
func (l *Listener) Accept() (*Session, error) {
	conn, err := l.ln.AcceptKCP()
	if err != nil {
		return nil, errors.Wrap(err, "kcpsubstrate: accept")
	}
	applyKCPTuning(conn, l.cfg)

	smuxCfg, err := buildSmuxConfig(l.cfg.Smux)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "kcpsubstrate: smux config")
	}

	muxSess, err := smux.Server(maybeCompress(l.cfg, conn), smuxCfg)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "kcpsubstrate: smux server handshake")
	}
	return &Session{log: l.log, mux: muxSess, conn: conn}, nil
}

func (l *Listener) Close() error { return l.ln.Close() }

// OpenChannel opens a new smux stream and wraps it as a transport.Channel
// (client side of a (channel, stream-id) pair).
func (s *Session) OpenChannel() (transport.Channel, error) {
	stream, err := s.mux.OpenStream()
	if err != nil {
		return nil, errors.Wrap(err, "kcpsubstrate: open stream")
	}
	return newFramedChannel(stream), nil
}

// AcceptChannel accepts the next inbound smux stream (server side).
func (s *Session) AcceptChannel() (transport.Channel, error) {
	stream, err := s.mux.AcceptStream()
	if err != nil {
		return nil, errors.Wrap(err, "kcpsubstrate: accept stream")
	}
	return newFramedChannel(stream), nil
}

func (s *Session) NumStreams() int { return s.mux.NumStreams() }
func (s *Session) IsClosed() bool  { return s.mux.IsClosed() }

func (s *Session) Close() error {
	err := s.mux.Close()
	if cerr := s.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// framedChannel implements transport.Channel over a raw stream by
// length-prefixing each logical message with a 4-byte big-endian size.
type framedChannel struct {
	stream io.ReadWriteCloser

	pub *framedPublication
	sub *framedSubscription
}

// pollReadTimeout bounds how long a single Poll call may wait for the first
// frame of a batch before returning control to the caller's idle strategy.
const pollReadTimeout = 20 * time.Millisecond

func newFramedChannel(stream io.ReadWriteCloser) *framedChannel {
	dl, _ := stream.(deadlineSetter)
	return &framedChannel{
		stream: stream,
		pub:    &framedPublication{w: stream},
		sub:    &framedSubscription{r: bufio.NewReader(stream), dl: dl},
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (c *framedChannel) Publication() transport.Publication   { return c.pub }
func (c *framedChannel) Subscription() transport.Subscription { return c.sub }
func (c *framedChannel) Close() error                         { return c.stream.Close() }

// framedPublication serializes concurrent Offer calls: a single smux stream
// has one writer at a time, so overlapping writers would interleave frames.
type framedPublication struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

const maxFrameBytes = 16 << 20 // guards against a corrupt/hostile length prefix

func (p *framedPublication) Offer(b []byte) (transport.OfferResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.Closed, transport.ErrClosed
	}
	if len(b) > maxFrameBytes {
		return transport.Closed, fmt.Errorf("kcpsubstrate: frame of %d bytes exceeds limit", len(b))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := p.w.Write(hdr[:]); err != nil {
		return transport.Closed, err
	}
	if _, err := p.w.Write(b); err != nil {
		return transport.Closed, err
	}
	return transport.Accepted, nil
}

func (p *framedPublication) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// deadlineSetter is implemented by smux streams and net.Conn; Poll uses it
// to avoid blocking indefinitely when nothing is queued.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// framedSubscription reads length-prefixed frames and delivers each as one
// fragment to Poll's handler.
type framedSubscription struct {
	r      *bufio.Reader
	dl     deadlineSetter // nil if the underlying stream doesn't support deadlines
	closed bool
}

func (s *framedSubscription) Poll(handler transport.FragmentHandler, fragmentLimit int) (int, error) {
	delivered := 0
	for delivered < fragmentLimit {
		if s.closed {
			return delivered, transport.ErrClosed
		}
		if s.r.Buffered() == 0 {
			if s.dl != nil {
				s.dl.SetReadDeadline(time.Now().Add(pollReadTimeout))
			}
		}

		var hdr [4]byte
		if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
			if isTimeout(err) {
				break
			}
			if err == io.EOF && delivered > 0 {
				break
			}
			return delivered, err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxFrameBytes {
			return delivered, fmt.Errorf("kcpsubstrate: frame of %d bytes exceeds limit", n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(s.r, buf); err != nil {
			return delivered, err
		}
		handler(buf, nil)
		delivered++
	}
	return delivered, nil
}

func (s *framedSubscription) Close() error {
	s.closed = true
	return nil
}

package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/fzft/go-afdpoll/log"
	"github.com/fzft/go-afdpoll/poll"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	wakeToken   poll.Token = 0
	listenToken poll.Token = 1
	firstToken  poll.Token = 2
)

// Conn is an accepted connection and what it still owes its peer.
type Conn struct {
	token poll.Token
	conn  net.Conn
	sock  *poll.NetSocket
	out   echoBuffer
	ip    string
}

// Reactor runs the echo server's event loop on one goroutine. Every socket
// is registered edge triggered and re-armed with Reregister after each
// event it handled.
type Reactor struct {
	ln       *net.TCPListener
	lnSock   *poll.NetSocket
	poller   *poll.Poll
	waker    *poll.Waker
	events   *poll.Events
	readBuf  []byte
	maxConns int

	next  poll.Token
	conns map[poll.Token]*Conn

	stopping atomic.Bool
	doneCh   chan struct{}
}

func NewReactor(ln *net.TCPListener, cfg *Config) (*Reactor, error) {
	poller, err := poll.New(poll.WithLogger(log.Logger), poll.WithGroupSize(cfg.GroupSize))
	if err != nil {
		return nil, err
	}

	r := &Reactor{
		ln:       ln,
		poller:   poller,
		events:   poll.NewEvents(cfg.Events),
		readBuf:  make([]byte, cfg.ReadBuffer),
		maxConns: cfg.MaxConns,
		next:     firstToken,
		conns:    make(map[poll.Token]*Conn),
		doneCh:   make(chan struct{}),
	}

	r.waker, err = poll.NewWaker(poller.Registry(), wakeToken)
	if err != nil {
		_ = poller.Close()
		return nil, err
	}

	r.lnSock, err = poll.WrapConn(ln)
	if err == nil {
		err = poller.Registry().Register(r.lnSock, listenToken, poll.Readable)
	}
	if err != nil {
		log.Logger.Error("failed to register listener", zap.Error(err))
		_ = r.waker.Close()
		_ = poller.Close()
		return nil, err
	}
	return r, nil
}

// Run blocks until Stop is called or polling fails.
func (r *Reactor) Run() error {
	defer close(r.doneCh)
	defer log.Logger.Info("reactor closed")

	for {
		if err := r.poller.Poll(r.events, poll.Infinite); err != nil {
			log.Logger.Error("poll error", zap.Error(err))
			return multierr.Append(err, r.closeGracefully())
		}

		stop := false
		for _, ev := range r.events.All() {
			log.Logger.Debug("event", zap.Uint64("token", uint64(ev.Token())), zap.Stringer("event", ev))
			switch ev.Token() {
			case wakeToken:
				stop = true
			case listenToken:
				r.accept()
			default:
				r.process(ev)
			}
		}
		if stop {
			log.Logger.Info("received stop signal, exiting event loop")
			return r.closeGracefully()
		}
	}
}

// Stop wakes the event loop and makes it shut down. It may be called from
// any goroutine.
func (r *Reactor) Stop() error {
	if !r.stopping.CompareAndSwap(false, true) {
		return nil
	}
	return r.waker.Wake()
}

func (r *Reactor) Done() <-chan struct{} {
	return r.doneCh
}

func (r *Reactor) Addr() net.Addr {
	return r.ln.Addr()
}

// accept takes one pending connection and re-arms the listener.
func (r *Reactor) accept() {
	defer r.rearm(r.lnSock, listenToken, poll.Readable)

	nc, err := r.ln.AcceptTCP()
	if err != nil {
		log.Logger.Error("accept error", zap.Error(err))
		return
	}
	if len(r.conns) >= r.maxConns {
		log.Logger.Warn("too many connections, dropping", zap.Stringer("remote", nc.RemoteAddr()))
		_ = nc.Close()
		return
	}

	sock, err := poll.WrapConn(nc)
	if err != nil {
		log.Logger.Error("wrap connection error", zap.Error(err))
		_ = nc.Close()
		return
	}

	c := &Conn{token: r.next, conn: nc, sock: sock}
	if addr, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		c.ip = addr.IP.String()
	}
	r.next++

	if err := r.poller.Registry().Register(sock, c.token, poll.Readable); err != nil {
		log.Logger.Error("register read error", zap.Error(err))
		_ = nc.Close()
		return
	}
	r.conns[c.token] = c
	log.Logger.Debug("new connection", zap.Uint64("token", uint64(c.token)), zap.String("ip", c.ip))
}

func (r *Reactor) process(ev poll.Event) {
	c, ok := r.conns[ev.Token()]
	if !ok {
		log.Logger.Debug("event for a closed connection", zap.Uint64("token", uint64(ev.Token())))
		return
	}

	var err error
	if ev.IsReadable() || ev.IsReadClosed() {
		err = r.handleRead(c)
	}
	if err == nil && ev.IsWritable() && c.out.Len() > 0 {
		err = r.handleWrite(c)
	}
	if err == nil && ev.IsError() {
		err = fmt.Errorf("socket error on connection %d", c.token)
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Logger.Info("closing connection", zap.Uint64("token", uint64(c.token)), zap.Error(err))
		}
		r.closeConn(c)
		return
	}

	interest := poll.Readable
	if c.out.Len() > 0 {
		interest = interest.Add(poll.Writable)
	}
	r.rearm(c.sock, c.token, interest)
}

// handleRead reads once; the socket was reported readable so the read does
// not wait.
func (r *Reactor) handleRead(c *Conn) error {
	n, err := c.conn.Read(r.readBuf)
	if n > 0 {
		c.out.Append(r.readBuf[:n])
	}
	return err
}

func (r *Reactor) handleWrite(c *Conn) error {
	n, err := c.conn.Write(c.out.DataToWrite())
	c.out.Next(n)
	if err != nil {
		return fmt.Errorf("write error for connection %d: %w", c.token, err)
	}
	return nil
}

func (r *Reactor) rearm(sock poll.Socket, token poll.Token, interest poll.Interest) {
	if err := r.poller.Registry().Reregister(sock, token, interest); err != nil {
		log.Logger.Error("reregister error", zap.Uint64("token", uint64(token)), zap.Error(err))
	}
}

func (r *Reactor) closeConn(c *Conn) {
	if err := r.poller.Registry().Deregister(c.sock); err != nil {
		log.Logger.Debug("deregister error", zap.Uint64("token", uint64(c.token)), zap.Error(err))
	}
	_ = c.conn.Close()
	delete(r.conns, c.token)
}

// closeGracefully order: listener, all connections, waker, poller.
func (r *Reactor) closeGracefully() error {
	var errs error

	if err := r.poller.Registry().Deregister(r.lnSock); err != nil {
		log.Logger.Info("failed to deregister listener", zap.Error(err))
	}
	errs = multierr.Append(errs, r.ln.Close())

	for _, c := range r.conns {
		r.closeConn(c)
	}

	errs = multierr.Append(errs, r.waker.Close())
	errs = multierr.Append(errs, r.poller.Close())
	return errs
}

package poll

import (
	"syscall"
)

// NetSocket adapts a connection or listener of package net, or anything else
// exposing a syscall.RawConn, to Socket.
type NetSocket struct {
	conn  syscall.Conn
	raw   uintptr
	state SocketState
}

// WrapConn returns a Socket for conn. conn stays owned by the caller and
// must outlive its registration.
func WrapConn(conn syscall.Conn) (*NetSocket, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var raw uintptr
	if err := rc.Control(func(fd uintptr) { raw = fd }); err != nil {
		return nil, err
	}
	return &NetSocket{conn: conn, raw: raw}, nil
}

func (s *NetSocket) RawSocket() uintptr {
	return s.raw
}

func (s *NetSocket) PollState() *SocketState {
	return &s.state
}

// Conn returns the wrapped connection.
func (s *NetSocket) Conn() syscall.Conn {
	return s.conn
}

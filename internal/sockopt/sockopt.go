// Copyright 2024 The corehost Authors
// This file is part of the corehost library.
//
// The corehost library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The corehost library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the corehost library. If not, see <http://www.gnu.org/licenses/>.

//go:build linux || darwin

// Package sockopt gives the acceptor direct control over the
// socket-level contract spec'd for it: SO_REUSEADDR and close-on-exec
// on the listening socket, non-blocking mode on accepted sockets, and
// a true non-destructive MSG_PEEK read for protocol sniffing. This
// mirrors vdsm's own use of socket.setsockopt and
// filecontrol.set_close_on_exec.
package sockopt

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Listen binds a TCP listener on host:port with SO_REUSEADDR and
// close-on-exec set, as spec'd for the acceptor's listening socket.
func Listen(host string, port int) (*net.TCPListener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); ctrlErr != nil {
					return
				}
				ctrlErr = unix.SetNonblock(int(fd), true)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}
	tl := ln.(*net.TCPListener)
	if err := setCloseOnExec(tl); err != nil {
		tl.Close()
		return nil, err
	}
	return tl, nil
}

// SetNonblocking puts an accepted connection's underlying descriptor
// into non-blocking mode, per spec.md §6.
func SetNonblocking(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		ctrlErr = unix.SetNonblock(int(fd), true)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

func setCloseOnExec(l *net.TCPListener) error {
	raw, err := l.SyscallConn()
	if err != nil {
		return err
	}
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		_, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, syscall.F_SETFD, syscall.FD_CLOEXEC)
		if errno != 0 {
			ctrlErr = errno
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// Accept performs one non-blocking accept(2) on the listener. It
// returns (nil, nil) on EAGAIN (no pending connection) rather than
// blocking the reactor goroutine, matching spec.md §4.3's "on EAGAIN,
// return silently" contract for the acceptor handle.
func Accept(l *net.TCPListener) (*net.TCPConn, error) {
	raw, err := l.SyscallConn()
	if err != nil {
		return nil, err
	}
	var nfd int
	var acceptErr error
	err = raw.Control(func(fd uintptr) {
		nfd, _, acceptErr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	})
	if err != nil {
		return nil, err
	}
	if acceptErr != nil {
		if EWouldBlock(acceptErr) {
			return nil, nil
		}
		return nil, acceptErr
	}

	f := os.NewFile(uintptr(nfd), "corehost-accepted-conn")
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	conn, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("sockopt: accepted connection is not TCP")
	}
	return conn, nil
}

// EWouldBlock reports whether err is a transient "try again" socket
// error (EAGAIN/EWOULDBLOCK), as opposed to a hard failure.
func EWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// Peek reads up to len(buf) bytes from conn without consuming them:
// the next real Read (by the registered protocol handler, after
// handoff) observes the same bytes from offset zero. It returns the
// number of bytes currently available to peek, which may be less than
// len(buf) if the sender hasn't written that much yet.
//
// Peek never blocks: it issues exactly one non-blocking MSG_PEEK
// syscall and returns, leaving the reactor free to service other
// handles. It must only be called after poll(2) (or a deadline tick)
// has indicated this connection needs servicing.
func Peek(conn *net.TCPConn, buf []byte) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var n int
	var peekErr error
	err = raw.Control(func(fd uintptr) {
		n, _, peekErr = unix.Recvfrom(int(fd), buf, unix.MSG_PEEK)
	})
	if err != nil {
		return 0, err
	}
	if peekErr != nil {
		if EWouldBlock(peekErr) {
			return 0, nil
		}
		return 0, peekErr
	}
	return n, nil
}

// FD returns the raw file descriptor backing conn, for registration
// with the reactor's poll(2) set. The descriptor is stable for the
// lifetime of conn.
func FD(conn syscall.Conn) (uintptr, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uintptr
	err = raw.Control(func(f uintptr) { fd = f })
	return fd, err
}

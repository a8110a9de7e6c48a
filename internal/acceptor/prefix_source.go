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

package acceptor

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/vdsm-project/corehost/internal/sockopt"
)

// prefixSource supplies the bytes a detectorHandle matches against,
// and eventually hands off a net.Conn on which those same bytes are
// still readable from offset 0.
type prefixSource interface {
	// peek returns up to n bytes currently observable from the start
	// of the connection. It never blocks and never returns more than n
	// bytes. A short return (fewer than n bytes, nil error) means not
	// enough data has arrived yet, not an error.
	peek(n int) ([]byte, error)
	// wrap returns a net.Conn on which the peeked bytes are still the
	// first bytes to be read.
	wrap() net.Conn
}

// plainPrefixSource peeks a plaintext TCP connection with a true,
// non-destructive MSG_PEEK: the kernel's receive queue is untouched,
// so no replay buffering is needed at handoff.
type plainPrefixSource struct {
	conn *net.TCPConn
}

func (s *plainPrefixSource) peek(n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := sockopt.Peek(s.conn, buf)
	if err != nil {
		return nil, err
	}
	return buf[:got], nil
}

func (s *plainPrefixSource) wrap() net.Conn { return s.conn }

// tlsPrefixSource peeks a TLS connection. crypto/tls has no MSG_PEEK
// equivalent — reading through the TLS record layer necessarily
// consumes application data — so consumed bytes are buffered here and
// replayed to the protocol handler via prefixConn at handoff. A
// read deadline of "now" on each attempt is the non-blocking-read
// idiom for net.Conn/tls.Conn: Handshake already completed, so a past
// deadline makes Read return immediately with whatever is already
// decrypted, or a timeout error if nothing is.
type tlsPrefixSource struct {
	conn *tls.Conn
	buf  []byte
}

func (s *tlsPrefixSource) peek(n int) ([]byte, error) {
	if len(s.buf) >= n {
		return s.buf[:n], nil
	}

	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return nil, err
	}
	tmp := make([]byte, n-len(s.buf))
	got, err := s.conn.Read(tmp)
	if got > 0 {
		s.buf = append(s.buf, tmp[:got]...)
	}
	if err != nil {
		if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			return nil, err
		}
	}

	if len(s.buf) > n {
		return s.buf[:n], nil
	}
	return s.buf, nil
}

func (s *tlsPrefixSource) wrap() net.Conn {
	_ = s.conn.SetReadDeadline(time.Time{})
	return &prefixConn{Conn: s.conn, prefix: s.buf}
}

// prefixConn replays prefix before resuming reads from the
// underlying connection, so a protocol handler sees the peeked bytes
// exactly once, starting at offset 0.
type prefixConn struct {
	net.Conn
	prefix []byte
	off    int
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if c.off < len(c.prefix) {
		n := copy(b, c.prefix[c.off:])
		c.off += n
		return n, nil
	}
	return c.Conn.Read(b)
}

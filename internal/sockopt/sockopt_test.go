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

package sockopt

import (
	"net"
	"testing"
	"time"
)

func TestListenAccept(t *testing.T) {
	ln, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)

	clientDone := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, addr)
		if err != nil {
			clientDone <- err
			return
		}
		defer conn.Close()
		_, err = conn.Write([]byte("hello"))
		clientDone <- err
	}()

	var conn *net.TCPConn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = Accept(ln)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if conn != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("Accept never produced a connection")
	}
	defer conn.Close()

	if err := <-clientDone; err != nil {
		t.Fatalf("client dial/write: %v", err)
	}
	if err := SetNonblocking(conn); err != nil {
		t.Fatalf("SetNonblocking: %v", err)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	ln, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	go func() {
		conn, err := net.DialTCP("tcp", nil, addr)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("PING"))
	}()

	var conn *net.TCPConn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = Accept(ln)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if conn != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("Accept never produced a connection")
	}
	defer conn.Close()
	SetNonblocking(conn)

	var n int
	buf := make([]byte, 4)
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err = Peek(conn, buf)
		if err != nil {
			t.Fatalf("Peek: %v", err)
		}
		if n == 4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n != 4 || string(buf) != "PING" {
		t.Fatalf("Peek returned %q (n=%d), want PING", buf[:n], n)
	}

	// A real, consuming read after Peek must still observe the same
	// bytes from offset 0 — that is the non-destructive contract.
	real := make([]byte, 4)
	rn, err := conn.Read(real)
	if err != nil {
		t.Fatalf("Read after Peek: %v", err)
	}
	if rn != 4 || string(real) != "PING" {
		t.Fatalf("Read after Peek = %q, want PING (peek must not consume)", real[:rn])
	}
}

func TestEWouldBlock(t *testing.T) {
	ln, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	conn, err := Accept(ln)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if conn != nil {
		t.Fatalf("expected nil connection on empty backlog, got one")
	}
}

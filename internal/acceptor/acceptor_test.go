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
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// recordingDetector implements Detector with a fixed magic prefix and
// records every handoff it receives.
type recordingDetector struct {
	name     string
	required int
	magic    []byte

	mu       sync.Mutex
	handedOff bool
	gotPrefix []byte
	peer      net.Addr
	conn      net.Conn
}

func (d *recordingDetector) Name() string       { return d.name }
func (d *recordingDetector) RequiredBytes() int { return d.required }

func (d *recordingDetector) Match(prefix []byte) bool {
	return len(prefix) >= len(d.magic) && bytes.Equal(prefix[:len(d.magic)], d.magic)
}

func (d *recordingDetector) Handoff(conn net.Conn, peer net.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handedOff = true
	d.peer = peer
	d.conn = conn
	buf := make([]byte, d.required)
	n, _ := io.ReadFull(conn, buf)
	d.gotPrefix = append([]byte{}, buf[:n]...)
	return nil
}

func (d *recordingDetector) snapshot() (bool, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handedOff, d.gotPrefix
}

// TestProtocolSniffPlaintext is scenario S5: detector A (required=4,
// matches "PING") is registered before detector B (required=6,
// matches "XHTTP\n"); a client that sends "PING..." must be handed to
// A with bytes readable from offset 0.
func TestProtocolSniffPlaintext(t *testing.T) {
	a, err := New(Config{
		Host:             "127.0.0.1",
		Port:             0,
		HandshakeTimeout: 2 * time.Second,
		MaxInflight:      8,
		AcceptRatePerSec: 1000,
		AcceptBurst:      100,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	detA := &recordingDetector{name: "A", required: 4, magic: []byte("PING")}
	detB := &recordingDetector{name: "B", required: 6, magic: []byte("XHTTP\n")}
	a.AddDetector(detA)
	a.AddDetector(detB)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.ServeForever(ctx) }()
	defer func() {
		a.Stop()
		cancel()
		<-done
	}()

	addr := a.Addr().(*net.TCPAddr)
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("PING hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if handed, _ := detA.snapshot(); handed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	handed, prefix := detA.snapshot()
	if !handed {
		t.Fatalf("detector A never received a handoff")
	}
	if string(prefix) != "PING" {
		t.Fatalf("detector A prefix = %q, want PING (must start at offset 0)", prefix)
	}
	if handedB, _ := detB.snapshot(); handedB {
		t.Fatalf("detector B should not have been invoked; first match wins")
	}
}

// TestNoMatchTimeout is scenario S6: a client opens a connection and
// sends nothing; after HandshakeTimeout the acceptor must close the
// connection, and no detector's Handoff is invoked.
func TestNoMatchTimeout(t *testing.T) {
	a, err := New(Config{
		Host:             "127.0.0.1",
		Port:             0,
		HandshakeTimeout: 80 * time.Millisecond,
		MaxInflight:      8,
		AcceptRatePerSec: 1000,
		AcceptBurst:      100,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	det := &recordingDetector{name: "A", required: 4, magic: []byte("PING")}
	a.AddDetector(det)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.ServeForever(ctx) }()
	defer func() {
		a.Stop()
		cancel()
		<-done
	}()

	addr := a.Addr().(*net.TCPAddr)
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, rerr := conn.Read(buf)
	if rerr != io.EOF {
		t.Fatalf("expected EOF once the acceptor times out the silent connection, got %v", rerr)
	}

	if handed, _ := det.snapshot(); handed {
		t.Fatalf("no detector should have been invoked for a silent connection")
	}
}

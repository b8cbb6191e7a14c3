package analyzer

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Connector yields one connection to the instrument at a time. Connect
// blocks until the instrument is reachable or ctx ends.
type Connector interface {
	Connect(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
}

// NewConnector builds the connector for a stream-based analyzer.
func NewConnector(a Analyzer) (Connector, error) {
	switch a.Method {
	case MethodTCPServer:
		return &tcpServer{addr: a.Address}, nil
	case MethodTCPClient:
		return &tcpClient{addr: a.Address, dialer: net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}}, nil
	case MethodSerial:
		baud := a.BaudRate
		if baud == 0 {
			baud = 9600
		}
		return &serialPort{device: a.Device, mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}}, nil
	}
	return nil, fmt.Errorf("analyzer %s: %s has no stream connector", a.ID, a.Method)
}

// tcpServer listens for the instrument to connect. Only one instrument
// connection is served at a time.
type tcpServer struct {
	addr string

	mu sync.Mutex
	ln net.Listener
}

func (s *tcpServer) listener() (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln, nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	return ln, nil
}

// Addr returns the bound address once listening.
func (s *tcpServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *tcpServer) Connect(ctx context.Context) (io.ReadWriteCloser, error) {
	ln, err := s.listener()
	if err != nil {
		return nil, err
	}
	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		ch <- accepted{c, err}
	}()
	select {
	case a := <-ch:
		return a.conn, a.err
	case <-ctx.Done():
		// Unblock Accept; the next Connect listens again.
		s.Close()
		if a := <-ch; a.conn != nil {
			a.conn.Close()
		}
		return nil, ctx.Err()
	}
}

func (s *tcpServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

type tcpClient struct {
	addr   string
	dialer net.Dialer
}

func (c *tcpClient) Connect(ctx context.Context) (io.ReadWriteCloser, error) {
	return c.dialer.DialContext(ctx, "tcp", c.addr)
}

func (c *tcpClient) Close() error { return nil }

type serialPort struct {
	device string
	mode   *serial.Mode
}

func (p *serialPort) Connect(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := serial.Open(p.device, p.mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p.device, err)
	}
	return port, nil
}

func (p *serialPort) Close() error { return nil }

// connectorFunc adapts a function, used for in-process connections.
type connectorFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f connectorFunc) Connect(ctx context.Context) (io.ReadWriteCloser, error) { return f(ctx) }

func (f connectorFunc) Close() error { return nil }

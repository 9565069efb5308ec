package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"firestige.xyz/carlink/internal/protocol"
)

// TCPServer accepts device connections over TCP and feeds their byte
// streams to a Handler. Connection ids are assigned monotonically per
// accept and never reused within a process.
type TCPServer struct {
	addr     string
	handler  Handler
	listener net.Listener

	mu      sync.Mutex
	conns   map[protocol.ConnectionID]net.Conn
	nextID  protocol.ConnectionID
	stopped bool
	wg      sync.WaitGroup
}

// NewTCPServer creates a server; Start must be called before use.
func NewTCPServer(addr string, handler Handler) *TCPServer {
	return &TCPServer{
		addr:    addr,
		handler: handler,
		conns:   make(map[protocol.ConnectionID]net.Conn),
	}
}

// Start begins accepting connections in the background.
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	slog.Info("transport listening", "addr", s.addr)

	go s.acceptLoop()
	return nil
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			slog.Error("failed to accept connection", "error", err)
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.nextID++
		id := s.nextID
		s.conns[id] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go s.readLoop(id, conn)
	}
}

func (s *TCPServer) readLoop(id protocol.ConnectionID, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.drop(id)
		conn.Close()
		s.handler.OnDisconnect(id)
	}()

	s.handler.OnConnect(id, DeviceInfo{
		MAC:  conn.RemoteAddr().String(),
		Name: conn.RemoteAddr().String(),
	})

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.handler.OnBytes(id, data)
		}
		if err != nil {
			slog.Debug("connection read ended", "connection_id", id, "error", err)
			return
		}
	}
}

func (s *TCPServer) drop(id protocol.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// Send implements Transport.
func (s *TCPServer) Send(id protocol.ConnectionID, data []byte) error {
	s.mu.Lock()
	conn, exists := s.conns[id]
	s.mu.Unlock()
	if !exists {
		return fmt.Errorf("carlink: connection %d not found", id)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send on connection %d: %w", id, err)
	}
	return nil
}

// Disconnect implements Transport.
func (s *TCPServer) Disconnect(id protocol.ConnectionID) error {
	s.mu.Lock()
	conn, exists := s.conns[id]
	s.mu.Unlock()
	if !exists {
		return nil
	}
	return conn.Close()
}

// ForceDisconnect implements Transport. TCP has no queued output to keep,
// so it behaves like Disconnect.
func (s *TCPServer) ForceDisconnect(id protocol.ConnectionID) error {
	return s.Disconnect(id)
}

// Stop closes the listener and every live connection.
func (s *TCPServer) Stop() {
	s.mu.Lock()
	s.stopped = true
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	slog.Info("transport stopped")
}

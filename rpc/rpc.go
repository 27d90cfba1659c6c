package rpc

import (
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/wfunc/casefile/logger"
)

// Server accepts net/rpc connections for the receivers registered on it.
// Connections speak JSON-RPC 1.0; gob would flatten a *bool holding false to nil.
type Server struct {
	listener net.Listener
	address  string
	rpc      *rpc.Server

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewServerWithListener(listener), nil
}

func NewServerWithListener(listener net.Listener) *Server {
	return &Server{
		listener: listener,
		address:  listener.Addr().String(),
		rpc:      rpc.NewServer(),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Register publishes rcvr's exported methods under name.
func (s *Server) Register(name string, rcvr any) error {
	return s.rpc.RegisterName(name, rcvr)
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start serves until Stop closes the listener.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.rpc.ServeCodec(jsonrpc.NewServerCodec(conn))
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to return.
func (s *Server) Stop() {
	if s.listener == nil {
		return
	}
	logger.Log.Info("Stopping RPC server.")
	s.listener.Close()

	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Dial connects a client speaking the server's codec.
func Dial(addr string) (*rpc.Client, error) {
	return jsonrpc.Dial("tcp", addr)
}

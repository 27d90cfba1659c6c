package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wfunc/casefile/logger"
	"github.com/wfunc/casefile/monitor"
	"github.com/wfunc/casefile/network"
	caserpc "github.com/wfunc/casefile/rpc"
	"github.com/wfunc/casefile/services"
	"github.com/wfunc/casefile/session"
)

const defaultHeartbeat = 30 * time.Second

// CaseLookup confirms a case exists before a session may watch it.
type CaseLookup interface {
	CaseView(ctx context.Context, caseID int64) (*services.CaseView, error)
}

type Options struct {
	Addr      string
	Heartbeat time.Duration
	Metrics   *monitor.Metrics
	// RPC, when set, is started and stopped with the server.
	RPC *caserpc.Server
}

// CaseServer serves the websocket case event feed at /ws.
type CaseServer struct {
	addr           string
	heartbeat      time.Duration
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	cases          CaseLookup
	metrics        *monitor.Metrics
	rpcServer      *caserpc.Server
	httpServer     *http.Server
	shutdownChan   chan struct{}
	shutdownOnce   sync.Once
}

func NewCaseServer(opts Options, sessions *session.Manager, cases CaseLookup) *CaseServer {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	s := &CaseServer{
		addr:           opts.Addr,
		heartbeat:      opts.Heartbeat,
		sessionManager: sessions,
		cases:          cases,
		metrics:        opts.Metrics,
		rpcServer:      opts.RPC,
		shutdownChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			// any origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *CaseServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start blocks until Shutdown. It returns nil after a clean shutdown.
func (s *CaseServer) Start() error {
	if s.rpcServer != nil {
		go s.rpcServer.Start()
	}
	logger.Log.Infof("Case event server listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes every live session.
func (s *CaseServer) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
		if s.rpcServer != nil {
			s.rpcServer.Stop()
		}
		err = s.httpServer.Shutdown(ctx)
		// hijacked websocket connections are not tracked by http.Server
		for _, sess := range s.sessionManager.Sessions() {
			sess.Close()
		}
	})
	return err
}

func (s *CaseServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(conn)
}

func (s *CaseServer) handleConnection(conn *websocket.Conn) {
	wsConn := network.NewWSConnection(conn)
	wsConn.SetHeartbeat(s.heartbeat)
	sess := session.NewSession(uuid.New().String(), wsConn)
	s.sessionManager.Add(sess)
	s.metrics.IncWatchSessions()

	logger.Log.Infof("New connection from %s, session ID: %s", wsConn.RemoteAddr(), sess.GetID())

	defer func() {
		logger.Log.Infof("Connection closed from %s, session ID: %s", wsConn.RemoteAddr(), sess.GetID())
		s.sessionManager.Remove(sess.GetID())
		s.metrics.DecWatchSessions()
		wsConn.Close()
	}()

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
		}
		packet, err := wsConn.ReadPacket()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				logger.Log.Debugw("read packet", "session", sess.GetID(), "error", err)
			}
			return
		}
		s.metrics.IncMessagesReceived()
		s.handlePacket(sess, packet)
	}
}

func (s *CaseServer) handlePacket(sess *session.Session, packet *network.Packet) {
	switch packet.MsgID {
	case network.MsgTypeHeartbeat:
		sess.Touch()
		s.reply(sess, network.MsgTypeHeartbeat, nil)
	case network.MsgTypeWatchCase:
		s.handleWatch(sess, packet)
	case network.MsgTypeUnwatchCase:
		s.handleUnwatch(sess, packet)
	default:
		logger.Log.Infof("Unknown message type: %d", packet.MsgID)
		s.replyError(sess, packet.MsgID, "unknown message type")
	}
}

func (s *CaseServer) handleWatch(sess *session.Session, packet *network.Packet) {
	req, ok := s.decodeWatch(sess, packet)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.cases.CaseView(ctx, req.CaseID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			s.replyError(sess, packet.MsgID, fmt.Sprintf("no such case %d", req.CaseID))
			return
		}
		logger.Log.Warnw("watch lookup failed", "session", sess.GetID(), "case", req.CaseID, "error", err)
		s.replyError(sess, packet.MsgID, "lookup failed")
		return
	}

	s.sessionManager.Watch(sess.GetID(), req.CaseID)
	logger.Log.Debugw("watching case", "session", sess.GetID(), "case", req.CaseID)
	s.ack(sess, packet.MsgID)
}

func (s *CaseServer) handleUnwatch(sess *session.Session, packet *network.Packet) {
	req, ok := s.decodeWatch(sess, packet)
	if !ok {
		return
	}
	s.sessionManager.Unwatch(sess.GetID(), req.CaseID)
	s.ack(sess, packet.MsgID)
}

func (s *CaseServer) decodeWatch(sess *session.Session, packet *network.Packet) (network.WatchRequest, bool) {
	var req network.WatchRequest
	if err := json.Unmarshal(packet.Data, &req); err != nil || req.CaseID <= 0 {
		s.replyError(sess, packet.MsgID, "body must be {\"case_id\": <positive id>}")
		return req, false
	}
	return req, true
}

func (s *CaseServer) ack(sess *session.Session, msgID uint16) {
	data, _ := json.Marshal(network.Ack{MsgID: msgID, Watching: sess.Watching()})
	s.reply(sess, network.MsgTypeAck, data)
}

func (s *CaseServer) replyError(sess *session.Session, msgID uint16, msg string) {
	data, _ := json.Marshal(network.ErrorBody{MsgID: msgID, Message: msg})
	s.reply(sess, network.MsgTypeError, data)
}

func (s *CaseServer) reply(sess *session.Session, msgID uint16, data []byte) {
	if err := sess.Send(msgID, data); err != nil {
		logger.Log.Debugw("reply failed", "session", sess.GetID(), "error", err)
	}
}

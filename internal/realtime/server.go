package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"uvccam/internal/capture"
	"uvccam/internal/history"
	"uvccam/internal/logging"
	"uvccam/internal/options"
	"uvccam/internal/protocol"
	"uvccam/internal/session"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// HistorySource lists past capture runs.
type HistorySource interface {
	ListRuns(ctx context.Context, captureID string, limit int) ([]history.Run, error)
}

// Server manages WebSocket connections and routes messages between
// clients and the capture manager.
type Server struct {
	sessionMgr *session.Manager
	history    HistorySource
	clients    map[*client]bool
	clientsMu  sync.RWMutex
	staticDir  string
	outputDir  string
	logger     *slog.Logger

	// subscriptions tracks which event subscriptions exist per client.
	// key: client, value: map[captureID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	// mu guards send against being closed while a forwarder writes to it.
	mu     sync.Mutex
	closed bool
}

// New creates a new realtime server. hist may be nil, in which case
// GET /history reports an empty list.
func New(sessionMgr *session.Manager, hist HistorySource, staticDir string, logger *slog.Logger) *Server {
	return &Server{
		sessionMgr:    sessionMgr,
		history:       hist,
		clients:       make(map[*client]bool),
		staticDir:     staticDir,
		logger:        logging.Component(logger, "realtime"),
		subscriptions: make(map[*client]map[string]string),
	}
}

// SetOutputDir makes relative output paths from clients resolve under dir.
func (s *Server) SetOutputDir(dir string) {
	s.outputDir = dir
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /captures", s.handleCreateCapture)
	mux.HandleFunc("GET /captures", s.handleListCaptures)
	mux.HandleFunc("GET /captures/{id}", s.handleGetCapture)
	mux.HandleFunc("POST /captures/{id}/start", s.handleStartCapture)
	mux.HandleFunc("POST /captures/{id}/stop", s.handleStopCapture)
	mux.HandleFunc("PATCH /captures/{id}/options", s.handleSetOptions)
	mux.HandleFunc("DELETE /captures/{id}", s.handleDeleteCapture)
	mux.HandleFunc("GET /captures/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /history", s.handleHistory)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// Send current captures, then follow each one's events.
	s.sendCaptureList(c)
	s.subscribeClientToCaptures(c)

	go c.writePump()
	go c.readPump()
}

// sendCaptureList sends the state of every capture to a client.
func (s *Server) sendCaptureList(c *client) {
	for _, sess := range s.sessionMgr.List() {
		msg, err := protocol.NewMessage(protocol.TypeCaptureUpdate, updatePayload(sess))
		if err != nil {
			continue
		}
		c.sendMessage(msg)
	}
}

func updatePayload(sess *session.Session) protocol.CaptureUpdatePayload {
	return protocol.CaptureUpdatePayload{
		ID:        sess.ID,
		Label:     sess.Label,
		State:     string(sess.State),
		Options:   sess.Options,
		Directory: sess.Directory,
		Filename:  sess.Filename,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339Nano),
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMessage queues msg for the client, dropping it if the buffer is full.
func (c *client) sendMessage(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// close shuts the send channel once.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	// Drop all event subscriptions.
	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for captureID, subID := range subs {
		s.sessionMgr.Unsubscribe(captureID, subID)
	}

	c.close()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeCaptureCreate:
		var p protocol.CaptureCreatePayload
		json.Unmarshal(msg.Payload, &p)
		if _, err := s.createCapture(p.Options, p.Label); err != nil {
			s.sendError(c, createErrorCode(err), err.Error())
		}

	case protocol.TypeCaptureStart:
		var p protocol.CaptureIDPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.sessionMgr.Start(p.CaptureID); err != nil {
			s.sendError(c, errorCode(err, protocol.ErrStartFailed), err.Error())
		}

	case protocol.TypeCaptureStop:
		var p protocol.CaptureIDPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.sessionMgr.Stop(p.CaptureID); err != nil {
			s.sendError(c, errorCode(err, protocol.ErrStopFailed), err.Error())
		}

	case protocol.TypeCaptureSet:
		var p protocol.CaptureSetPayload
		json.Unmarshal(msg.Payload, &p)
		params, err := s.resolveParams(options.Params{p.Key: p.Value})
		if err != nil {
			s.sendError(c, protocol.ErrInvalidOption, err.Error())
			return
		}
		sess, err := s.sessionMgr.Set(p.CaptureID, p.Key, params[p.Key])
		if err != nil {
			s.sendError(c, errorCode(err, protocol.ErrInvalidOption), err.Error())
			return
		}
		s.broadcastCaptureUpdate(sess)

	case protocol.TypeArtifactsRequest:
		var p protocol.CaptureIDPayload
		json.Unmarshal(msg.Payload, &p)
		s.handleWSArtifacts(c, p.CaptureID)
	}
}

// resolveParams returns a copy of p with any output path placed under the
// configured output directory. Relative paths are joined onto it; paths that
// end up outside it are rejected with capture.ErrInvalidOption.
func (s *Server) resolveParams(p options.Params) (options.Params, error) {
	out := p.Clone()
	if s.outputDir == "" {
		return out, nil
	}
	keys := []string{options.KeyOutput}
	if options.IsRaspicam(out) {
		keys = append(keys, "o")
	}
	for _, key := range keys {
		value, ok := out[key]
		if !ok || value == "" {
			continue
		}
		resolved, err := s.resolveOutput(value)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

func (s *Server) resolveOutput(value string) (string, error) {
	base := filepath.Clean(s.outputDir)
	resolved := value
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(base, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: output %q is outside %s", capture.ErrInvalidOption, value, base)
	}
	// Keep a trailing separator so a directory-only output stays one.
	if strings.HasSuffix(value, "/") {
		resolved += "/"
	}
	return resolved, nil
}

// createCapture creates a capture and makes every connected client follow
// it. Shared by the REST and WebSocket paths.
func (s *Server) createCapture(opts map[string]string, label string) (*session.Session, error) {
	params, err := s.resolveParams(opts)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessionMgr.Create(params, label)
	if err != nil {
		return nil, err
	}
	s.broadcastCaptureUpdate(sess)
	s.subscribeAllClients(sess.ID)
	return sess, nil
}

func (s *Server) handleWSArtifacts(c *client, captureID string) {
	dir, artifacts, err := s.sessionMgr.Artifacts(captureID)
	if err != nil {
		s.sendError(c, errorCode(err, protocol.ErrInvalidMessage), err.Error())
		return
	}

	msg, err := protocol.NewMessage(protocol.TypeArtifactsList, protocol.ArtifactsListPayload{
		CaptureID: captureID,
		Directory: dir,
		Artifacts: artifacts,
	})
	if err != nil {
		return
	}
	c.sendMessage(msg)
}

// errorCode maps a manager error onto a protocol error code.
func errorCode(err error, fallback string) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrCaptureNotFound
	case errors.Is(err, capture.ErrInvalidOption):
		return protocol.ErrInvalidOption
	}
	return fallback
}

func createErrorCode(err error) string {
	if errors.Is(err, session.ErrMaxSessions) {
		return protocol.ErrMaxSessions
	}
	return errorCode(err, protocol.ErrCreateFailed)
}

// broadcastCaptureUpdate sends a capture's state to all connected clients.
func (s *Server) broadcastCaptureUpdate(sess *session.Session) {
	msg, err := protocol.NewMessage(protocol.TypeCaptureUpdate, updatePayload(sess))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

func (s *Server) broadcastCaptureRemoved(captureID string) {
	msg, err := protocol.NewMessage(protocol.TypeCaptureRemoved, protocol.CaptureRemovedPayload{
		CaptureID: captureID,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.sendMessage(msg)
	}
}

// subscribeAllClients subscribes all connected clients to a capture's events.
func (s *Server) subscribeAllClients(captureID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, captureID)
	}
}

// subscribeClientToCaptures subscribes a single client to every existing
// capture. Called when a new WebSocket connection is established so the
// client receives events from captures created before it connected.
func (s *Server) subscribeClientToCaptures(c *client) {
	for _, sess := range s.sessionMgr.List() {
		s.subscribeClient(c, sess.ID)
	}
}

// subscribeClient subscribes a single client to a capture's events.
func (s *Server) subscribeClient(c *client, captureID string) {
	s.subscriptionsMu.Lock()
	if _, exists := s.subscriptions[c][captureID]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	s.subscriptionsMu.Unlock()

	subID, ch, backlog, err := s.sessionMgr.Subscribe(captureID)
	if err != nil {
		return
	}

	s.subscriptionsMu.Lock()
	if s.subscriptions[c] == nil {
		s.subscriptions[c] = make(map[string]string)
	}
	s.subscriptions[c][captureID] = subID
	s.subscriptionsMu.Unlock()

	// Send the buffered backlog.
	for _, event := range backlog {
		s.sendCaptureEvent(c, event)
	}

	// Forward new events. A lifecycle event is followed by the capture's
	// new state.
	go func() {
		for event := range ch {
			s.sendCaptureEvent(c, event)

			if event.Lifecycle() {
				if sess, err := s.sessionMgr.Get(captureID); err == nil {
					if msg, err := protocol.NewMessage(protocol.TypeCaptureUpdate, updatePayload(sess)); err == nil {
						c.sendMessage(msg)
					}
				}
			}
		}
	}()
}

func (s *Server) sendCaptureEvent(c *client, event session.Event) {
	msg, err := protocol.NewMessage(protocol.TypeCaptureEvent, protocol.CaptureEventPayload{
		CaptureID:  event.SessionID,
		EventID:    event.ID,
		Kind:       event.Kind,
		Error:      event.Error,
		Timestamp:  event.Timestamp,
		Filename:   event.Filename,
		Diagnostic: event.Diagnostic,
	})
	if err != nil {
		return
	}
	c.sendMessage(msg)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.sendMessage(msg)
}

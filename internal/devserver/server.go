// Package devserver is a scripted answer backend that speaks the streaming
// protocol. It backs end-to-end tests and local demos.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ricochet1k/ragstream/internal/logging"
	"github.com/ricochet1k/ragstream/pkg/protocol"
)

const authTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Config struct {
	// Token, when set, must arrive as the first message of every websocket
	// connection and as a bearer token on the REST API.
	Token    string
	Query    QueryHandler
	TaskStep time.Duration
	Logger   *zap.Logger
}

type Server struct {
	cfg    Config
	logger *zap.Logger
	hub    *Hub
	board  *TaskBoard

	// queries tracks open query connections so Close can end them.
	queries *Hub
}

func New(cfg Config) *Server {
	if cfg.Query == nil {
		cfg.Query = DefaultAnswer()
	}
	if cfg.TaskStep <= 0 {
		cfg.TaskStep = time.Second
	}
	hub := NewHub()
	return &Server{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger),
		hub:     hub,
		board:   NewTaskBoard(hub, cfg.TaskStep),
		queries: NewHub(),
	}
}

// Mount registers all routes on the provided router.
func (s *Server) Mount(r chi.Router) {
	r.Get("/healthz", s.healthz)
	r.Get("/ws/query", s.queryWebSocket)
	r.Get("/ws/tasks", s.tasksWebSocket)
	r.Get("/api/tasks", s.listTasks)
	r.Post("/api/tasks", s.createTask)
	r.Post("/api/tasks/{id}/cancel", s.cancelTask)
	r.Post("/api/revoke", s.revoke)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.Mount(r)
	return r
}

func (s *Server) Tasks() *TaskBoard {
	return s.board
}

// Revoke ends every task connection with 4401, as a backend does when a
// credential is withdrawn.
func (s *Server) Revoke() {
	s.hub.CloseAll(protocol.CloseUnauthorized, "credential revoked")
}

func (s *Server) Close() {
	s.board.Close()
	s.hub.CloseAll(protocol.CloseGoingAway, "server shutting down")
	s.queries.CloseAll(protocol.CloseGoingAway, "server shutting down")
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate reads the handshake message when a token is configured.
func (s *Server) authenticate(conn *websocket.Conn) bool {
	if s.cfg.Token == "" {
		return true
	}
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var auth protocol.AuthMessage
	_, raw, err := conn.ReadMessage()
	if err == nil {
		err = json.Unmarshal(raw, &auth)
	}
	if err != nil || auth.Token != s.cfg.Token {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseUnauthorized, "unauthorized"),
			time.Now().Add(writeWait))
		return false
	}
	return true
}

func (s *Server) queryWebSocket(w http.ResponseWriter, r *http.Request) {
	req := QueryRequest{
		ConnID:     uuid.NewString(),
		Query:      r.URL.Query().Get(protocol.QueryParamQuery),
		SearchType: r.URL.Query().Get(protocol.QueryParamSearchType),
	}
	if raw := r.URL.Query().Get(protocol.QueryParamFilters); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Filters); err != nil {
			writeError(w, http.StatusBadRequest, "filters must be a JSON object")
			return
		}
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	logger := s.logger.With(zap.String("conn_id", req.ConnID))
	if !s.authenticate(conn) {
		logger.Info("query connection rejected")
		_ = conn.Close()
		return
	}

	client := NewClient(req.ConnID, conn)
	s.queries.Register(client)
	defer s.queries.Unregister(client.ID())
	go client.WriteLoop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		err := s.cfg.Query.ServeQuery(ctx, req, &Responder{ctx: ctx, client: client})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClientClosed) {
			logger.Warn("query handler failed", zap.Error(err))
			_ = client.Enqueue(ctx, protocol.NewError(err.Error()))
		}
	}()

	logger.Info("query connection opened", zap.String("query", req.Query))
	s.readLoop(client, logger, nil)
	logger.Info("query connection closed")
}

func (s *Server) tasksWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if !s.authenticate(conn) {
		_ = conn.Close()
		return
	}

	client := NewClient(uuid.NewString(), conn)
	logger := s.logger.With(zap.String("conn_id", client.ID()))
	s.hub.Register(client)
	defer s.hub.Unregister(client.ID())
	go client.WriteLoop()

	for _, task := range s.board.List() {
		if !client.Queue(protocol.NewTaskUpdate(task)) {
			return
		}
	}

	s.readLoop(client, logger, func(msgType protocol.ClientMessageType, raw []byte) {
		if msgType != protocol.ClientMessageTypeCancelTask {
			client.Queue(protocol.NewError("unsupported message type"))
			return
		}
		var msg protocol.CancelTaskMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.TaskID == "" {
			client.Queue(protocol.NewError("invalid cancel_task message"))
			return
		}
		ok := s.board.Cancel(msg.TaskID)
		logger.Info("cancel requested", zap.String("task_id", msg.TaskID), zap.Bool("cancelled", ok))
	})
}

// readLoop answers pings and hands every other typed message to onMessage
// until the connection ends.
func (s *Server) readLoop(client *Client, logger *zap.Logger, onMessage func(protocol.ClientMessageType, []byte)) {
	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type protocol.ClientMessageType `json:"type"`
			Time int64                      `json:"time"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			client.Queue(protocol.NewError("invalid message"))
			continue
		}
		switch msg.Type {
		case "":
			// Late or repeated auth message.
		case protocol.ClientMessageTypePing:
			if !client.Queue(protocol.HeartbeatMessage{Type: protocol.ServerMessageTypePong, Time: msg.Time}) {
				return
			}
		default:
			if onMessage == nil {
				logger.Debug("ignoring client message", zap.String("type", string(msg.Type)))
				continue
			}
			onMessage(msg.Type, raw)
		}
	}
}

type createTaskRequest struct {
	Description string `json:"description"`
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.Token
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, s.board.List())
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	task := s.board.Create(req.Description)
	s.logger.Info("task created", zap.String("task_id", task.ID))
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := s.board.Get(id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !s.board.Cancel(id) {
		writeError(w, http.StatusConflict, "task already finished")
		return
	}
	task, _ := s.board.Get(id)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.Revoke()
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message})
}

// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

// Package fakeportal is an in-process stand-in for the portal backend: the
// auth REST surface and chat-room WebSockets, with knobs to force locks and
// drop sockets.
package fakeportal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
	"golang.org/x/crypto/bcrypt"
)

const (
	CookieName     = "sessionid"
	ProtectedPath  = "/api/reports/"
	ChatPathPrefix = "/ws/chat/"
)

type User struct {
	Identity       core.UserIdentity
	Password       string
	TimeoutMinutes int
	Unverified     bool
	Requires2FA    bool
}

type account struct {
	identity       core.UserIdentity
	hash           []byte
	timeoutMinutes int
	unverified     bool
	requires2FA    bool
}

type session struct {
	username   string
	rememberMe bool
	locked     bool
}

type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu         sync.Mutex
	accounts   map[string]*account
	sessions   map[string]*session
	rooms      map[string]map[*websocket.Conn]string
	rejectWS   bool
	logouts    int
	wsAttempts int
}

func New(logger *slog.Logger) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger.With("component", "fakeportal"),
		accounts: make(map[string]*account),
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[*websocket.Conn]string),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/login/", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/session-status/", s.handleSessionStatus).Methods(http.MethodGet)
	api.HandleFunc("/auth/unlock-session/", s.handleUnlock).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout/", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/reports/", s.handleProtected).Methods(http.MethodGet)
	r.HandleFunc(ChatPathPrefix+"{room}/", s.handleChat)

	s.srv = httptest.NewServer(r)
	return s
}

func (s *Server) URL() string { return s.srv.URL }

// ChatURL is the WebSocket base for chat rooms.
func (s *Server) ChatURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + ChatPathPrefix
}

func (s *Server) Close() {
	s.mu.Lock()
	for _, conns := range s.rooms {
		for c := range conns {
			c.Close()
		}
	}
	s.mu.Unlock()
	s.srv.CloseClientConnections()
	s.srv.Close()
}

func (s *Server) AddUser(u User) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.accounts[u.Identity.Username] = &account{
		identity:       u.Identity,
		hash:           hash,
		timeoutMinutes: u.TimeoutMinutes,
		unverified:     u.Unverified,
		requires2FA:    u.Requires2FA,
	}
	s.mu.Unlock()
	return nil
}

// Lock marks every session of username as locked server-side.
func (s *Server) Lock(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.username == username {
			sess.locked = true
		}
	}
}

// Expire drops every session of username.
func (s *Server) Expire(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.username == username {
			delete(s.sessions, id)
		}
	}
}

// RejectChat makes chat handshakes fail while on.
func (s *Server) RejectChat(on bool) {
	s.mu.Lock()
	s.rejectWS = on
	s.mu.Unlock()
}

// DropRoom closes every socket in room from the server side.
func (s *Server) DropRoom(room string) {
	s.mu.Lock()
	conns := s.rooms[room]
	delete(s.rooms, room)
	s.mu.Unlock()
	for c := range conns {
		c.Close()
	}
}

// Push sends frame to every socket in room.
func (s *Server) Push(room string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.broadcast(room, nil, data)
}

func (s *Server) Members(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

func (s *Server) LogoutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

func (s *Server) ChatAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsAttempts
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// current resolves the request's session cookie.
func (s *Server) current(r *http.Request) (string, *session, *account) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return "", nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[c.Value]
	if !ok {
		return "", nil, nil
	}
	return c.Value, sess, s.accounts[sess.username]
}

func lockedBody(a *account) core.LockedBody {
	snap := a.identity.Snapshot()
	return core.LockedBody{Error: core.ErrorCodeSessionLocked, Locked: true, User: &snap}
}

func notAuthenticated(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req core.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed request"})
		return
	}

	s.mu.Lock()
	a, ok := s.accounts[req.Username]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(a.hash, []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_credentials", "detail": "Invalid username or password."})
		return
	}
	if a.unverified {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "account_unverified", "email_verified": false})
		return
	}
	if a.requires2FA {
		writeJSON(w, http.StatusOK, core.LoginResponse{Requires2FA: true})
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &session{username: a.identity.Username, rememberMe: req.RememberMe}
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: id, Path: "/", HttpOnly: true})
	user := a.identity
	writeJSON(w, http.StatusOK, core.LoginResponse{User: &user})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	_, sess, a := s.current(r)
	if sess == nil || a == nil {
		notAuthenticated(w)
		return
	}
	user := a.identity
	timeout, remember := a.timeoutMinutes, sess.rememberMe
	status := core.SessionStatus{
		Authenticated:  !sess.locked,
		User:           &user,
		TimeoutMinutes: &timeout,
		RememberMe:     &remember,
	}
	if sess.locked {
		status.Status = core.SessionStatusLocked
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	_, sess, a := s.current(r)
	if sess == nil || a == nil {
		notAuthenticated(w)
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed request"})
		return
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_password", "detail": "Incorrect password."})
		return
	}

	s.mu.Lock()
	sess.locked = false
	s.mu.Unlock()
	user := a.identity
	writeJSON(w, http.StatusOK, core.UnlockResponse{Success: true, User: &user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, _, _ := s.current(r)
	s.mu.Lock()
	s.logouts++
	delete(s.sessions, id)
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleProtected stands in for any business endpoint.
func (s *Server) handleProtected(w http.ResponseWriter, r *http.Request) {
	_, sess, a := s.current(r)
	switch {
	case sess == nil || a == nil:
		notAuthenticated(w)
	case sess.locked:
		writeJSON(w, http.StatusUnauthorized, lockedBody(a))
	default:
		writeJSON(w, http.StatusOK, map[string]any{"results": []any{}})
	}
}

type chatIn struct {
	Type            string `json:"type"`
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id"`
	IsTyping        bool   `json:"is_typing"`
	MessageID       string `json:"message_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	s.mu.Lock()
	s.wsAttempts++
	reject := s.rejectWS
	s.mu.Unlock()

	_, sess, a := s.current(r)
	if reject || sess == nil || a == nil || sess.locked {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("chat upgrade failed", "room", room, "error", err)
		return
	}
	userID := a.identity.ID

	s.mu.Lock()
	if s.rooms[room] == nil {
		s.rooms[room] = make(map[*websocket.Conn]string)
	}
	s.rooms[room][conn] = userID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.rooms[room], conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in chatIn
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		switch in.Type {
		case "chat_message":
			out, _ := json.Marshal(map[string]any{
				"type":              "chat_message",
				"message_id":        uuid.NewString(),
				"client_message_id": in.ClientMessageID,
				"sender_id":         userID,
				"content":           in.Content,
				"message_type":      "text",
				"created_at":        time.Now().UTC(),
				"is_read":           false,
			})
			s.broadcast(room, nil, out)
		case "typing":
			out, _ := json.Marshal(map[string]any{
				"type":      "typing_indicator",
				"user_id":   userID,
				"username":  a.identity.Username,
				"is_typing": in.IsTyping,
			})
			s.broadcast(room, conn, out)
		case "mark_read":
			out, _ := json.Marshal(map[string]any{
				"type":       "message_read",
				"message_id": in.MessageID,
				"user_id":    userID,
				"read_at":    time.Now().UTC(),
			})
			s.broadcast(room, conn, out)
		}
	}
}

// broadcast writes data to every socket in room except skip. Writes happen
// under the lock so each socket has one writer.
func (s *Server) broadcast(room string, skip *websocket.Conn, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.rooms[room] {
		if c == skip {
			continue
		}
		_ = c.SetWriteDeadline(time.Now().Add(time.Second))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug("chat write failed", "room", room, "error", err)
		}
	}
}

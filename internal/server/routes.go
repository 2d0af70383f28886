package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"lobby-server/internal/lobby"
)

const maxActionsPage = 500

func (s *Server) RegisterRoutes() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.healthHandler).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/session", s.createSessionHandler).Methods("POST")
	api.HandleFunc("/session", s.requireSession(s.deleteSessionHandler)).Methods("DELETE")
	api.HandleFunc("/rooms", s.listRoomsHandler).Methods("GET")
	api.HandleFunc("/rooms", s.requireSession(s.createRoomHandler)).Methods("POST")
	api.HandleFunc("/rooms/find", s.requireSession(s.findRoomHandler)).Methods("POST")
	api.HandleFunc("/rooms/{id}", s.roomHandler).Methods("GET")
	api.HandleFunc("/rooms/{id}/join", s.requireSession(s.joinRoomHandler)).Methods("POST")
	api.HandleFunc("/rooms/{id}/leave", s.requireSession(s.leaveRoomHandler)).Methods("POST")
	api.HandleFunc("/rooms/{id}/actions", s.actionsHandler).Methods("GET")

	router.HandleFunc("/ws/rooms/{id}", s.websocketHandler).Methods("GET")

	return s.corsMiddleware(router)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if !slices.Contains(s.cfg.AllowedOrigins, "*") {
			origin = ""
			if o := r.Header.Get("Origin"); slices.Contains(s.cfg.AllowedOrigins, o) {
				origin = o
				w.Header().Add("Vary", "Origin")
			}
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Credentials", "false")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sessionKey struct{}

// requireSession resolves the bearer token before calling next.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, ErrorMessage{Message: "missing bearer token", Code: "UNAUTHENTICATED"})
			return
		}
		session, err := s.sessionManager.GetSession(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, ErrorMessage{Message: err.Error(), Code: "TOKEN_NOT_FOUND"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	}
}

func sessionFrom(ctx context.Context) SessionInfo {
	session, _ := ctx.Value(sessionKey{}).(SessionInfo)
	return session
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnf("Failed to write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg ErrorMessage) {
	s.writeJSON(w, status, msg)
}

// fail reports err with the status its code maps to.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorf("Request failed: %v", err)
	}
	s.writeError(w, status, ErrorMessage{Message: err.Error(), Code: wireCode(err)})
}

func httpStatus(err error) int {
	var invalid *lobby.ValidationError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, lobby.ErrNotFound), errors.Is(err, lobby.ErrNoAvailableRoom):
		return http.StatusNotFound
	case errors.Is(err, lobby.ErrRoomFull),
		errors.Is(err, lobby.ErrRoomClosed),
		errors.Is(err, lobby.ErrAlreadyMember),
		errors.Is(err, lobby.ErrAlreadyStarted),
		errors.Is(err, lobby.ErrNotEnoughPlayers):
		return http.StatusConflict
	case errors.Is(err, ErrTokenNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// wireCode is lobby.Code with timeouts reported as such.
func wireCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "TIMEOUT"
	}
	return lobby.Code(err)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &lobby.ValidationError{Field: "body", Message: "is not valid JSON"}
	}
	return nil
}

func roomIDFrom(r *http.Request) (lobby.RoomID, error) {
	return lobby.ParseRoomID(mux.Vars(r)["id"])
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":      "up",
		"rooms":       s.registry.Len(),
		"connections": s.connectionManager.Count(),
		"sessions":    s.sessionManager.Count(),
	}
	if s.db != nil {
		dbHealth := s.db.Health(r.Context())
		resp["database"] = dbHealth
		if dbHealth["status"] != "up" {
			resp["status"] = "degraded"
		}
		resp["journalDropped"] = s.persistenceManager.Dropped()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := ValidateUsername(req.Username); err != nil {
		s.writeError(w, http.StatusBadRequest, ErrorMessage{Message: err.Error(), Code: "USERNAME_INVALID"})
		return
	}

	session := s.sessionManager.CreateSession(strings.TrimSpace(req.Username))
	s.logger.Infow("Session created", "player", session.PlayerID, "username", session.Username)
	s.writeJSON(w, http.StatusCreated, CreateSessionResponse{
		Token:    session.Token,
		PlayerID: session.PlayerID,
		Username: session.Username,
	})
}

// deleteSessionHandler revokes the caller's token. Seats and open channels are
// left alone; the grace period frees seats the player never comes back to.
func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	s.sessionManager.RemoveSession(session.Token)
	s.logger.Infow("Session removed", "player", session.PlayerID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms := make([]lobby.RoomSummary, 0)
	for summary := range s.registry.ListOpenRooms() {
		rooms = append(rooms, summary)
	}
	s.writeJSON(w, http.StatusOK, ListRoomsResponse{Rooms: rooms})
}

func (s *Server) createRoomHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	var req CreateRoomRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	gameType := lobby.GameClassic
	if req.GameType != "" {
		parsed, err := lobby.ParseGameType(req.GameType)
		if err != nil {
			s.fail(w, err)
			return
		}
		gameType = parsed
	}
	rules, _ := gameType.Rules()
	maxPlayers := rules.MaxPlayers
	if req.MaxPlayers != nil {
		maxPlayers = *req.MaxPlayers
	}
	name := lobby.NormalizeRoomName(req.Name)
	if name == "" {
		name = session.Username + "'s room"
	}

	id, err := s.matchmaker.Create(r.Context(), session.PlayerID, name, maxPlayers, gameType)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Infow("Room created", "room", id, "player", session.PlayerID, "gameType", gameType)
	s.writeJSON(w, http.StatusCreated, RoomResponse{RoomID: id})
}

func (s *Server) findRoomHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	id, err := s.matchmaker.FindRandom(r.Context(), session.PlayerID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Infow("Player matched", "room", id, "player", session.PlayerID)
	s.writeJSON(w, http.StatusOK, RoomResponse{RoomID: id})
}

func (s *Server) joinRoomHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	id, err := roomIDFrom(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.matchmaker.Join(r.Context(), session.PlayerID, id); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RoomResponse{RoomID: id})
}

func (s *Server) leaveRoomHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	id, err := roomIDFrom(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.matchmaker.Leave(session.PlayerID, id); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RoomResponse{RoomID: id})
}

// roomHandler serves a live room with its game state, falling back to the
// stored snapshot for rooms that are gone from memory.
func (s *Server) roomHandler(w http.ResponseWriter, r *http.Request) {
	id, err := roomIDFrom(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	info, err := s.registry.GetRoom(id)
	if errors.Is(err, lobby.ErrNotFound) && s.persistenceManager != nil {
		info, err = s.persistenceManager.LoadRoom(r.Context(), id)
		if err == nil {
			s.writeJSON(w, http.StatusOK, s.roomDetail(info))
			return
		}
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := s.roomDetail(info)
	state, seq, err := s.hub.State(r.Context(), id)
	if err == nil {
		resp.State = &state
		resp.Sequence = seq
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) roomDetail(info lobby.RoomInfo) RoomDetailResponse {
	members := make([]RoomMember, 0, len(info.Members))
	for _, m := range info.Members {
		members = append(members, RoomMember{MemberInfo: m, Username: s.sessionManager.Username(m.Player)})
	}
	return RoomDetailResponse{
		ID:         info.ID,
		Name:       info.Name,
		MaxPlayers: info.MaxPlayers,
		GameType:   info.GameType,
		Status:     info.Status,
		Members:    members,
	}
}

// actionsHandler pages through a room's journal: ?after=<sequence>&limit=<n>.
func (s *Server) actionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.persistenceManager == nil {
		s.writeError(w, http.StatusServiceUnavailable, ErrorMessage{Message: "action journal requires a database", Code: "UNAVAILABLE"})
		return
	}
	id, err := roomIDFrom(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	query := r.URL.Query()
	var after uint64
	if v := query.Get("after"); v != "" {
		if after, err = strconv.ParseUint(v, 10, 64); err != nil {
			s.fail(w, &lobby.ValidationError{Field: "after", Message: "must be a sequence number"})
			return
		}
	}
	limit := 100
	if v := query.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			s.fail(w, &lobby.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = min(limit, maxActionsPage)
	}

	entries, err := s.persistenceManager.LoadActions(r.Context(), id, after, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	actions := make([]ActionRecord, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, newActionRecord(e))
	}
	s.writeJSON(w, http.StatusOK, ActionsResponse{Actions: actions})
}

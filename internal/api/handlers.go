package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	gorilla "github.com/gorilla/websocket"

	"mentorchat/internal/apperr"
	"mentorchat/internal/auth"
	"mentorchat/internal/chat"
	"mentorchat/internal/db"
	"mentorchat/internal/metrics"
	"mentorchat/internal/models"
	"mentorchat/internal/websocket"
)

type Handlers struct {
	db             *db.DB
	chat           *chat.Service
	hub            *websocket.Hub
	tokens         *auth.Manager
	metrics        *metrics.Metrics
	allowedOrigins []string
	upgrader       gorilla.Upgrader
	logger         *slog.Logger
}

type Options struct {
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

func NewHandlers(database *db.DB, service *chat.Service, hub *websocket.Hub, tokens *auth.Manager, opts Options) *Handlers {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handlers{
		db:             database,
		chat:           service,
		hub:            hub,
		tokens:         tokens,
		metrics:        opts.Metrics,
		allowedOrigins: opts.AllowedOrigins,
		logger:         opts.Logger.With("component", "api"),
	}
	h.upgrader = gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin.
			return origin == "" || h.originAllowed(origin)
		},
	}
	return h
}

// Router wires every route. Everything under /api except register and login
// requires a session.
func (h *Handlers) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
	// WebSocket endpoint - handled without the logging middleware
	r.HandleFunc("/ws", h.HandleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.logRequest)
	api.HandleFunc("/auth/register", h.HandleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", h.HandleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", h.HandleLogout).Methods(http.MethodPost)

	protected := api.NewRoute().Subrouter()
	protected.Use(h.WithAuth)
	protected.HandleFunc("/auth/verify", h.HandleVerify).Methods(http.MethodGet)
	protected.HandleFunc("/users", h.HandleUsers).Methods(http.MethodGet)
	protected.HandleFunc("/users/profiles", h.HandleProfiles).Methods(http.MethodGet)
	protected.HandleFunc("/conversations", h.HandleConversations).Methods(http.MethodGet)
	protected.HandleFunc("/conversations", h.HandleCreateConversation).Methods(http.MethodPost)
	protected.HandleFunc("/conversations/{id:[0-9]+}", h.HandleConversation).Methods(http.MethodGet)
	protected.HandleFunc("/conversations/{id:[0-9]+}/messages", h.HandleMessages).Methods(http.MethodGet)
	protected.HandleFunc("/conversations/{id:[0-9]+}/messages", h.HandleSendMessage).Methods(http.MethodPost)
	protected.HandleFunc("/conversations/{id:[0-9]+}/read", h.HandleMarkRead).Methods(http.MethodPost)
	protected.HandleFunc("/unread", h.HandleUnread).Methods(http.MethodGet)

	return h.WithCORS(r)
}

// Auth handlers
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Validation("HandleRegister", "invalid request body"))
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Password) < 6 {
		h.writeError(w, r, apperr.Validation("HandleRegister", "username and a password of at least 6 characters are required"))
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.db.CreateUser(r.Context(), models.User{
		Username:    req.Username,
		Password:    hashedPassword,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Role:        req.Role,
		Avatar:      req.Avatar,
	})
	if err != nil {
		if errors.Is(err, db.ErrUsernameTaken) {
			writeJSON(w, http.StatusConflict, errorBody{Error: "Username already exists", Kind: "conflict"})
			return
		}
		h.writeError(w, r, err)
		return
	}

	h.writeSession(w, r, http.StatusCreated, user)
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Validation("HandleLogin", "invalid request body"))
		return
	}

	user, err := h.db.GetUserByUsername(r.Context(), req.Username)
	if err != nil || !auth.CheckPassword(user.Password, req.Password) {
		h.writeError(w, r, apperr.New(apperr.ErrUnauthenticated, "HandleLogin", "invalid credentials"))
		return
	}

	h.writeSession(w, r, http.StatusOK, user)
}

// writeSession issues a token for user, sets the auth cookie and writes the
// login response.
func (h *Handlers) writeSession(w http.ResponseWriter, r *http.Request, status int, user *models.User) {
	token, expiresAt, err := h.tokens.Issue(user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
	})

	user.Password = ""
	writeJSON(w, status, models.LoginResponse{Token: token, User: *user})
}

func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.db.GetUserByID(r.Context(), session.UserID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			err = apperr.New(apperr.ErrUnauthenticated, "HandleVerify", "user no longer exists")
		}
		h.writeError(w, r, err)
		return
	}
	user.Password = ""
	writeJSON(w, http.StatusOK, user)
}

// User handlers
type userResponse struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Avatar      string `json:"avatar"`
}

const (
	// userListLimit caps the user directory returned without a search term.
	userListLimit = 50
	maxProfileIDs = 100
)

func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var users []*models.User
	if query := strings.TrimSpace(r.URL.Query().Get("search")); query != "" {
		users, err = h.db.SearchUsers(r.Context(), query, session.UserID)
	} else {
		users, err = h.db.ListUsers(r.Context(), session.UserID, userListLimit)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response := make([]userResponse, 0, len(users))
	for _, user := range users {
		response = append(response, userResponse{
			ID:          user.ID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			Role:        user.Role,
			Avatar:      user.Avatar,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// HandleProfiles resolves ?ids=1,2,3 to profile summaries. Unknown ids are
// left out.
func (h *Handlers) HandleProfiles(w http.ResponseWriter, r *http.Request) {
	var ids []int64
	for _, raw := range strings.Split(r.URL.Query().Get("ids"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			h.writeError(w, r, apperr.Validation("HandleProfiles", "invalid id %q", raw))
			return
		}
		ids = append(ids, id)
	}
	if len(ids) > maxProfileIDs {
		h.writeError(w, r, apperr.Validation("HandleProfiles", "at most %d ids per request", maxProfileIDs))
		return
	}

	profiles, err := h.db.GetProfiles(r.Context(), ids)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response := make([]models.ProfileSummary, 0, len(profiles))
	for _, id := range ids {
		if p, ok := profiles[id]; ok {
			response = append(response, p)
			delete(profiles, id)
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// Conversation handlers
func (h *Handlers) HandleConversations(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	conversations, err := h.chat.Conversations(r.Context(), session)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Validation("HandleCreateConversation", "invalid request body"))
		return
	}

	conversation, created, err := h.chat.StartConversation(r.Context(), session, req.ParticipantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conversation)
}

func (h *Handlers) HandleConversation(w http.ResponseWriter, r *http.Request) {
	session, conversationID, err := h.conversationRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	conversation, err := h.chat.Conversation(r.Context(), session, conversationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversation)
}

// Message handlers
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	session, conversationID, err := h.conversationRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := parsePageRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	messages, err := h.chat.Messages(r.Context(), session, conversationID, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// parsePageRequest reads ?cursor=&limit=. An absent cursor asks for the most
// recent page; a present one must be a positive message id.
func parsePageRequest(r *http.Request) (models.PageRequest, error) {
	const op = "parsePageRequest"
	var page models.PageRequest
	query := r.URL.Query()

	if raw := query.Get("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor <= 0 {
			return page, apperr.Validation(op, "malformed cursor %q", raw)
		}
		page.Cursor = cursor
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return page, apperr.Validation(op, "malformed limit %q", raw)
		}
		page.Limit = limit
	}
	return page, nil
}

func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	session, conversationID, err := h.conversationRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Validation("HandleSendMessage", "invalid request body"))
		return
	}

	message, err := h.chat.Send(r.Context(), session, conversationID, req.Content, req.MediaURL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

type markReadResponse struct {
	Updated []int64 `json:"updated"`
}

func (h *Handlers) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	session, conversationID, err := h.conversationRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	changed, err := h.chat.MarkRead(r.Context(), session, conversationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if changed == nil {
		changed = []int64{}
	}
	writeJSON(w, http.StatusOK, markReadResponse{Updated: changed})
}

func (h *Handlers) HandleUnread(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	counts, err := h.chat.UnreadCounts(r.Context(), session)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handlers) conversationRequest(r *http.Request) (auth.Session, int64, error) {
	session, err := sessionFrom(r)
	if err != nil {
		return auth.Session{}, 0, err
	}
	conversationID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || conversationID <= 0 {
		return auth.Session{}, 0, apperr.Validation("conversationRequest", "invalid conversation id")
	}
	return session, conversationID, nil
}

// WebSocket handler
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	session, err := h.tokens.Parse(auth.TokenFromRequest(r))
	if err != nil {
		h.logger.Debug("ws_rejected", "remote", r.RemoteAddr, "error", err)
		h.writeError(w, r, err)
		return
	}
	if _, err := h.db.GetUserByID(r.Context(), session.UserID); err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.ErrUnauthenticated, "HandleWebSocket", err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h.logger.Info("ws_authenticated", "user_id", session.UserID)
	websocket.NewClient(h.hub, conn, session).Serve()
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": h.hub.ConnectionCount(),
	})
}

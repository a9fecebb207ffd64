package stub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/crypto/bcrypt"

	"github.com/putto11262002/chatlink/auth"
	"github.com/putto11262002/chatlink/chat"
)

type Config struct {
	Addr           string
	Secret         []byte
	TokenExp       time.Duration
	AllowedOrigins []string
}

// Server is the dev chat backend: REST endpoints plus a per-room
// websocket gateway, speaking the same wire protocol as the production
// backend.
type Server struct {
	store     *Store
	hub       *Hub
	tokenOpts auth.TokenOptions
	origins   []string
	logger    *slog.Logger
	mux       chi.Router
}

func NewServer(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	exp := cfg.TokenExp
	if exp == 0 {
		exp = 24 * time.Hour
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		store:     NewStore(db),
		hub:       NewHub(logger),
		tokenOpts: auth.TokenOptions{Secret: cfg.Secret, Exp: exp},
		origins:   origins,
		logger:    logger,
	}
	s.mountHandlers()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) mountHandlers() {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login/", s.handle(s.loginHandler))
		r.Post("/register/", s.handle(s.registerHandler))
	})

	r.Route("/chat", func(r chi.Router) {
		r.Use(s.tokenMiddleware)
		r.Get("/friends/", s.handle(s.friendsHandler))
		r.Get("/rooms/", s.handle(s.roomsHandler))
		r.Get("/rooms/friend/{friendID}/", s.handle(s.roomForFriendHandler))
		r.Get("/rooms/{roomID}/messages/", s.handle(s.messagesHandler))
		r.Post("/rooms/{roomID}/mark-read/", s.handle(s.markReadHandler))
	})

	r.Get("/ws/chat/{roomID}/", s.chatSocketHandler)

	s.mux = r
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.mux,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		s.logger.Info("server shutting down")
		exitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		done <- server.Shutdown(exitCtx)
	}()

	s.logger.Info("server started", slog.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-done
}

// apiError mirrors the error body the client decodes.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return e.Message
}

func newAPIError(message string, code int) *apiError {
	return &apiError{Code: code, Message: message}
}

type handleFunc func(http.ResponseWriter, *http.Request) error

// handle adapts an error-returning handler: apiError values become their
// own status, everything else is a logged 500.
func (s *Server) handle(h handleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		var apiErr *apiError
		if !errors.As(err, &apiErr) {
			s.logger.Error("handler error", slog.String("err", err.Error()),
				slog.String("path", r.URL.Path))
			apiErr = newAPIError("internal server error", http.StatusInternalServerError)
		}
		writeJSON(w, apiErr.Code, apiErr)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return newAPIError("invalid request body", http.StatusBadRequest)
	}
	return nil
}

type userKey struct{}

func userFromRequest(r *http.Request) chat.User {
	u, ok := r.Context().Value(userKey{}).(chat.User)
	if !ok {
		panic("user not in request context: handler is missing tokenMiddleware")
	}
	return u
}

// tokenMiddleware validates the "Authorization: Token <jwt>" header and
// attaches the caller's identity to the request context.
func (s *Server) tokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Token "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeJSON(w, http.StatusUnauthorized, newAPIError("unauthenticated", http.StatusUnauthorized))
			return
		}
		claims, err := auth.VerifyToken(header[len(prefix):], s.tokenOpts)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, newAPIError("unauthenticated", http.StatusUnauthorized))
			return
		}
		u := chat.User{ID: claims.UserID, Username: claims.Username}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string    `json:"token"`
	User  chat.User `json:"user"`
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) error {
	var req loginRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		return err
	}

	rec, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, ErrNotFound) {
		return newAPIError("invalid username or password", http.StatusUnauthorized)
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword(rec.PasswordHash, []byte(req.Password)) != nil {
		return newAPIError("invalid username or password", http.StatusUnauthorized)
	}

	token, err := auth.CreateToken(rec.User, s.tokenOpts)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: rec.User})
	return nil
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) error {
	var req loginRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		return err
	}
	if req.Username == "" || req.Password == "" {
		return newAPIError("username and password are required", http.StatusBadRequest)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u, err := s.store.CreateUser(r.Context(), req.Username, hash)
	if errors.Is(err, ErrConflict) {
		return newAPIError("username already taken", http.StatusConflict)
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, u)
	return nil
}

func (s *Server) friendsHandler(w http.ResponseWriter, r *http.Request) error {
	user := userFromRequest(r)
	friends, err := s.store.Friends(r.Context(), user.ID)
	if err != nil {
		return err
	}
	if friends == nil {
		friends = []chat.User{}
	}
	writeJSON(w, http.StatusOK, friends)
	return nil
}

func (s *Server) roomsHandler(w http.ResponseWriter, r *http.Request) error {
	user := userFromRequest(r)
	rooms, err := s.store.Rooms(r.Context(), user.ID)
	if err != nil {
		return err
	}
	if rooms == nil {
		rooms = []chat.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
	return nil
}

func (s *Server) roomForFriendHandler(w http.ResponseWriter, r *http.Request) error {
	user := userFromRequest(r)
	friendID, err := strconv.Atoi(chi.URLParam(r, "friendID"))
	if err != nil {
		return newAPIError("invalid friend id", http.StatusBadRequest)
	}

	roomID, err := s.store.GetOrCreateRoom(r.Context(), user.ID, friendID)
	switch {
	case errors.Is(err, ErrNotFound):
		return newAPIError("friend not found", http.StatusNotFound)
	case errors.Is(err, ErrSelfChat):
		return newAPIError("cannot chat with yourself", http.StatusBadRequest)
	case err != nil:
		return err
	}

	room, err := s.store.Room(r.Context(), roomID, user.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, room)
	return nil
}

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
	PageSize int            `json:"page_size"`
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) error {
	user := userFromRequest(r)
	roomID, err := s.roomAccess(r, user.ID)
	if err != nil {
		return err
	}

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 1 {
			return newAPIError("invalid page", http.StatusBadRequest)
		}
	}
	pageSize := 50
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		if pageSize, err = strconv.Atoi(raw); err != nil || pageSize < 1 {
			return newAPIError("invalid page_size", http.StatusBadRequest)
		}
	}

	msgs, err := s.store.MessagesPage(r.Context(), roomID, page, pageSize)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs, PageSize: pageSize})
	return nil
}

func (s *Server) markReadHandler(w http.ResponseWriter, r *http.Request) error {
	user := userFromRequest(r)
	roomID, err := s.roomAccess(r, user.ID)
	if err != nil {
		return err
	}
	if err := s.store.MarkRead(r.Context(), roomID, user.ID); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{"ok"})
	return nil
}

// roomAccess parses the roomID URL parameter and checks the caller is a
// member of that room.
func (s *Server) roomAccess(r *http.Request, userID int) (int, error) {
	roomID, err := strconv.Atoi(chi.URLParam(r, "roomID"))
	if err != nil {
		return 0, newAPIError("invalid room id", http.StatusBadRequest)
	}
	members, err := s.store.RoomMembers(r.Context(), roomID)
	if errors.Is(err, ErrNotFound) {
		return 0, newAPIError("room not found", http.StatusNotFound)
	}
	if err != nil {
		return 0, err
	}
	if members[0] != userID && members[1] != userID {
		return 0, newAPIError("not a room member", http.StatusForbidden)
	}
	return roomID, nil
}

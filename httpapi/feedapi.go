package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"profile-feed/auth"
	"profile-feed/feed"

	"github.com/didip/tollbooth"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/gorilla/mux"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Config of the HTTP server.
type Config struct {
	Addr string
	// Version is reported in the App-Version header.
	Version string
	// RateLimit is the number of requests per second allowed per client,
	// zero disables limiting.
	RateLimit float64
	// MaxWait caps the long-poll wait of a feed state request.
	MaxWait time.Duration
}

type HTTPHandler struct {
	store   feed.OrderedStore
	tokens  *auth.Service
	feeds   *Registry
	maxWait time.Duration
}

func NewServer(cfg Config, store feed.OrderedStore, tokens *auth.Service, feeds *Registry) *http.Server {
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0:8080"
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Second
	}
	r := mux.NewRouter()
	handler := HTTPHandler{store: store, tokens: tokens, feeds: feeds, maxWait: cfg.MaxWait}

	r.HandleFunc("/api/v1/auth/signin", handler.SignIn).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/auth/signout", handler.SignOut).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/users", handler.PutUser).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/posts", handler.CreatePost).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/users/{userId}/posts/{postId}", handler.GetPost).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/feeds", handler.OpenFeed).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/feeds/{feedId}", handler.GetFeed).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/feeds/{feedId}/next", handler.NextPage).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/feeds/{feedId}", handler.CloseFeed).Methods(http.MethodDelete)
	r.HandleFunc("/maintenance/ping", handler.CheckIsReady).Methods(http.MethodGet)

	h := rest.AppInfo("profile-feed", "profile-feed", cfg.Version)(rest.Recoverer(log.Default())(r))
	if cfg.RateLimit > 0 {
		h = tollbooth.LimitHandler(tollbooth.NewLimiter(cfg.RateLimit, nil), h)
	}
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      h,
		WriteTimeout: cfg.MaxWait + 15*time.Second,
		ReadTimeout:  15 * time.Second,
	}

	return srv
}

type SignInRequest struct {
	UserID string `json:"userId"`
}

type SignInResponse struct {
	Token string    `json:"token"`
	User  feed.User `json:"user"`
}

type PutUserRequest struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
}

type CreatePostRequest struct {
	Caption     string  `json:"caption"`
	ImageURL    string  `json:"imageUrl"`
	ImageWidth  float64 `json:"imageWidth,omitempty"`
	ImageHeight float64 `json:"imageHeight,omitempty"`
}

type OpenFeedRequest struct {
	UserID   string `json:"userId,omitempty"`
	ViewMode string `json:"viewMode,omitempty"`
}

type FeedResponse struct {
	FeedID   string        `json:"feedId"`
	ViewMode feed.ViewMode `json:"viewMode"`
	Owner    feed.User     `json:"owner"`
	State    feed.State    `json:"state"`
}

var captionPolicy = bluemonday.StrictPolicy()

// sanitizeCaption drops markup, escaped markup included.
func sanitizeCaption(caption string) string {
	clean := captionPolicy.Sanitize(html.UnescapeString(caption))
	return strings.TrimSpace(html.UnescapeString(clean))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	rawResponse, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(rawResponse)
}

// writeError maps feed errors to statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, feed.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, feed.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, feed.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, feed.ErrQuery), errors.Is(err, feed.ErrStorage), errors.Is(err, feed.ErrDecode):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		log.Printf("[WARN] request failed, %v", err)
	}
	http.Error(w, err.Error(), status)
}

// identity authenticates the bearer token of the request. A request without
// a token gets a nil identity and no error.
func (h *HTTPHandler) identity(r *http.Request) (*auth.Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, feed.ErrNotAuthenticated
	}
	return h.tokens.Authenticate(token)
}

func (h *HTTPHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var body SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	user, err := feed.FetchUser(r.Context(), h.store, body.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SignInResponse{Token: token, User: user})
}

func (h *HTTPHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	who, err := h.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := who.SignOut(); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) PutUser(w http.ResponseWriter, r *http.Request) {
	var body PutUserRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.ID == "" || strings.Contains(body.ID, "/") || strings.TrimSpace(body.Username) == "" {
		http.Error(w, "id and username are required", http.StatusBadRequest)
		return
	}
	user := feed.User{ID: body.ID, Username: strings.TrimSpace(body.Username), ProfileImageURL: body.ProfileImageURL}
	if err := h.store.Set(r.Context(), feed.UsersCollection, user.ID, feed.EncodeUser(user)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *HTTPHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	who, err := h.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !who.IsAuthenticated() {
		writeError(w, feed.ErrNotAuthenticated)
		return
	}

	var body CreatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.ImageURL == "" {
		http.Error(w, "imageUrl is required", http.StatusBadRequest)
		return
	}

	owner, err := feed.FetchUser(r.Context(), h.store, who.CurrentUserID())
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.store.Push(r.Context(), feed.PostsCollection(owner.ID), feed.EncodePost(feed.PostInput{
		Caption:     sanitizeCaption(body.Caption),
		ImageURL:    body.ImageURL,
		ImageWidth:  body.ImageWidth,
		ImageHeight: body.ImageHeight,
		CreatedAt:   time.Now(),
	}))
	if err != nil {
		writeError(w, err)
		return
	}
	post, err := feed.DecodePost(owner, rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *HTTPHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owner, err := feed.FetchUser(r.Context(), h.store, vars["userId"])
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.store.Get(r.Context(), feed.PostsCollection(owner.ID), vars["postId"])
	if err != nil {
		if errors.Is(err, feed.ErrNotFound) {
			http.Error(w, "Post not found", http.StatusNotFound)
			return
		}
		writeError(w, err)
		return
	}
	post, err := feed.DecodePost(owner, rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *HTTPHandler) OpenFeed(w http.ResponseWriter, r *http.Request) {
	who, err := h.identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body OpenFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mode, err := feed.ParseViewMode(body.ViewMode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f, err := h.feeds.Open(r.Context(), who, body.UserID, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, feedResponse(f, f.session.State()))
}

func (h *HTTPHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	f, found := h.feeds.Get(mux.Vars(r)["feedId"])
	if !found {
		http.Error(w, "Feed not found", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	var after uint64
	if raw := query.Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "after must be a state version", http.StatusBadRequest)
			return
		}
		after = v
	}
	if raw := query.Get("wait"); raw != "" && query.Has("after") {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			http.Error(w, "wait must be a duration", http.StatusBadRequest)
			return
		}
		if wait > h.maxWait {
			wait = h.maxWait
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		writeJSON(w, http.StatusOK, feedResponse(f, f.wait(ctx, after)))
		return
	}
	writeJSON(w, http.StatusOK, feedResponse(f, f.session.State()))
}

func (h *HTTPHandler) NextPage(w http.ResponseWriter, r *http.Request) {
	f, found := h.feeds.Get(mux.Vars(r)["feedId"])
	if !found {
		http.Error(w, "Feed not found", http.StatusNotFound)
		return
	}
	if err := f.session.RequestNextPage(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feedResponse(f, f.session.State()))
}

func (h *HTTPHandler) CloseFeed(w http.ResponseWriter, r *http.Request) {
	if !h.feeds.Close(mux.Vars(r)["feedId"]) {
		http.Error(w, "Feed not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) CheckIsReady(w http.ResponseWriter, r *http.Request) {
	if !h.store.IsReady(r.Context()) {
		http.Error(w, "store is not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func feedResponse(f *OpenFeed, st feed.State) FeedResponse {
	return FeedResponse{FeedID: f.id, ViewMode: f.viewMode, Owner: f.session.Owner, State: st}
}

// Package httpapi implements Transport (C12): route groups for auth
// (/auth/*), chat API (/api/*), and admin API (/api/admin/*), wired onto
// an ada router exactly as the teacher's internal/server wires its own
// gateway/provider/workflow groups.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/ragchat/internal/chatorch"
	"github.com/rakunlabs/ragchat/internal/config"
	"github.com/rakunlabs/ragchat/internal/embedder"
	"github.com/rakunlabs/ragchat/internal/ingest"
	"github.com/rakunlabs/ragchat/internal/ratelimit"
	"github.com/rakunlabs/ragchat/internal/session"
	"github.com/rakunlabs/ragchat/internal/settings"
	"github.com/rakunlabs/ragchat/internal/sqlstore"
	"github.com/rakunlabs/ragchat/internal/vectorstore"
)

// sessionCookieName is the cookie carrying C11's session token.
const sessionCookieName = "at_session"

// ProviderRegistry resolves a provider label into an invalidatable
// llm.Adapter cache; implemented by internal/llm/registry.Registry.
type ProviderRegistry interface {
	chatorch.Providers
	Invalidate(providerLabel string)
}

// Server wires C1-C11 into the HTTP transport.
type Server struct {
	cfg config.Server

	server *ada.Server

	store        *sqlstore.Store
	guard        *session.Guard
	orchestrator *chatorch.Orchestrator
	uploader     *ingest.Uploader
	vectors      *vectorstore.Store
	embedders    *embedder.Registry
	settings     *settings.Service
	registry     ProviderRegistry
	rateLimiter  ratelimit.Limiter
}

// New builds the Server and registers every route.
func New(ctx context.Context, cfg config.Server, store *sqlstore.Store, guard *session.Guard, orch *chatorch.Orchestrator, uploader *ingest.Uploader, vectors *vectorstore.Store, embedders *embedder.Registry, svc *settings.Service, registry ProviderRegistry) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:          cfg,
		server:       mux,
		store:        store,
		guard:        guard,
		orchestrator: orch,
		uploader:     uploader,
		vectors:      vectors,
		embedders:    embedders,
		settings:     svc,
		registry:     registry,
		rateLimiter:  ratelimit.NoOp{},
	}

	base := mux.Group(cfg.BasePath)

	base.GET("/healthz", s.Healthz)

	authGroup := base.Group("/auth")
	authGroup.POST("/login", s.Login)
	authGroup.POST("/logout", s.Logout)

	apiGroup := base.Group("/api")
	apiGroup.Use(s.requireSession(), s.rateLimit())
	apiGroup.POST("/chat", s.Chat)
	apiGroup.GET("/documents", s.ListDocuments)
	apiGroup.POST("/documents", s.UploadDocument)
	apiGroup.GET("/documents/stats", s.DocumentStats)
	apiGroup.POST("/documents/search", s.SearchDocuments)
	apiGroup.GET("/documents/*", s.GetDocument)
	apiGroup.DELETE("/documents/*", s.DeleteDocument)
	apiGroup.POST("/documents/*/reprocess", s.ReprocessDocument)

	adminGroup := apiGroup.Group("/admin")
	adminGroup.Use(s.requireAdmin())
	adminGroup.GET("/settings", s.ListSettings)
	adminGroup.PUT("/settings/*", s.UpdateSetting)

	return s
}

// Start blocks serving until ctx is cancelled, matching the teacher's
// ada.Server.StartWithContext convention.
func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}

type sessionUserKey struct{}

func userIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionUserKey{}).(string)
	return v, ok
}

// requireSession enforces C11: the session cookie's token must match the
// user's stored session token. Mismatch clears the cookie and returns a
// 401 with code=SESSION_INVALIDATED, per spec 4.11's API-path branch.
func (s *Server) requireSession() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get("X-User-Id")
			cookie, err := r.Cookie(sessionCookieName)
			if userID == "" || err != nil {
				httpResponseJSON(w, map[string]string{"code": "SESSION_INVALIDATED"}, http.StatusUnauthorized)
				return
			}

			user, authErr := s.guard.Authenticate(r.Context(), userID, cookie.Value)
			if authErr != nil {
				clearSessionCookie(w)
				httpResponseJSON(w, map[string]string{"code": "SESSION_INVALIDATED"}, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), sessionUserKey{}, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimit enforces spec 4.12's advisory hook: bypassed entirely when
// rate_limit_enabled is off, otherwise defers the allow/deny decision to
// s.rateLimiter, keyed by the authenticated user ID.
func (s *Server) rateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if !s.settings.GetBool(ctx, "rate_limit_enabled", false) {
				next.ServeHTTP(w, r)
				return
			}

			window, err := str2duration.ParseDuration(s.settings.GetString(ctx, "rate_limit_window", "1m"))
			if err != nil {
				window = time.Minute
			}
			max := s.settings.GetInt(ctx, "rate_limit_max_requests", 60)

			userID, _ := userIDFromContext(ctx)
			if userID == "" {
				userID = r.Header.Get("X-User-Id")
			}

			if !s.rateLimiter.Allow(ctx, userID, window, max) {
				httpResponseJSON(w, map[string]string{"code": "RATE_LIMIT_EXCEEDED"}, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Healthz reports store reachability. The vector store has no
// tenant-independent handle to probe (one on-disk index per user), so it
// is not checked here.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}

	if err := s.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]string{"status": "unavailable", "error": err.Error()}
	}

	httpResponseJSON(w, body, status)
}

// requireAdmin layers an is_admin check on top of requireSession; admin
// status is resolved the same way the ingestion/document endpoints trust
// the authenticated user ID, via a direct store lookup.
func (s *Server) requireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := userIDFromContext(r.Context())
			if !ok {
				httpError(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			isAdmin, err := s.store.IsAdmin(r.Context(), userID)
			if err != nil || !isAdmin {
				httpError(w, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nurudeen19/rag-fortress-sub002/internal/api/handlers"
	appMiddleware "github.com/nurudeen19/rag-fortress-sub002/internal/api/middlewares"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Auth      *handlers.AuthHandler
	Documents *handlers.DocumentHandler
	Overrides *handlers.OverrideHandler
	Ingestion *handlers.IngestionHandler
	Chat      *handlers.ChatHandler
	Admin     *handlers.AdminHandler
}

// NewRouter builds and wires all routes.
func NewRouter(h Handlers, auth appMiddleware.Authenticator, corsOrigins []string, log logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.RequestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(api chi.Router) {
		// public endpoints
		api.Post("/signup", h.Auth.Signup)
		api.Post("/login", h.Auth.Login)

		// protected endpoints
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWTMiddleware(auth))

			protected.Get("/me", h.Auth.Me)
			protected.Get("/clearance", h.Overrides.Clearance)
			protected.Post("/chat/query", h.Chat.QueryDocuments)

			protected.Route("/files", func(files chi.Router) {
				files.Post("/", h.Documents.UploadDocument)
				files.Get("/", h.Documents.GetDocuments)
				files.Get("/{id}", h.Documents.GetDocument)
				files.Delete("/{id}", h.Documents.DeleteDocument)
				files.Get("/{id}/history", h.Documents.History)
				files.Post("/{id}/resubmit", h.Documents.Resubmit)
				files.Post("/{id}/approve", h.Documents.Approve)
				files.Post("/{id}/reject", h.Documents.Reject)

				files.Group(func(admin chi.Router) {
					admin.Use(appMiddleware.RequireAdmin)
					admin.Post("/{id}/ingest", h.Documents.Ingest)
					admin.Post("/{id}/retry", h.Documents.Retry)
				})
			})

			protected.Post("/override-requests", h.Overrides.Create)
			protected.Get("/override-requests/mine", h.Overrides.Mine)
			protected.Get("/override-requests/{id}", h.Overrides.Get)

			protected.Route("/admin", func(admin chi.Router) {
				admin.Use(appMiddleware.RequireAdmin)

				admin.Post("/files/trigger-batch-ingestion", h.Ingestion.TriggerBatch)
				admin.Get("/ingestion", h.Ingestion.Stats)
				admin.Post("/ingestion/pause", h.Ingestion.Pause)
				admin.Post("/ingestion/resume", h.Ingestion.Resume)
				admin.Post("/ingestion/clear-failed", h.Ingestion.ClearFailed)

				admin.Get("/override-requests", h.Overrides.List)
				admin.Post("/override-requests/{id}/approve", h.Overrides.Approve)
				admin.Post("/override-requests/{id}/deny", h.Overrides.Deny)

				admin.Post("/users/{id}/roles", h.Admin.AssignRole)
				admin.Post("/departments", h.Admin.CreateDepartment)
				admin.Post("/departments/{id}/members", h.Admin.AddDepartmentMember)
			})
		})
	})

	return r
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        logger.Logger
}

func NewServer(port string, handler http.Handler, log logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log.Named("server"),
	}
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", logger.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

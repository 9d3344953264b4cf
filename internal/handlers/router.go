package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	mW "github.com/elibrary/circulation/internal/middleware"
	"github.com/elibrary/circulation/internal/services"
)

type RouterConfig struct {
	Auth    *mW.Authenticator
	Borrows *BorrowHandler
	Users   *UserHandler
	Fines   *FineHandler
	Reviews *ReviewHandler
	Admin   *AdminHandler
	Logger  *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mW.RequestLogger(cfg.Logger.Named("http")))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		services.SendSuccessResponse(w, http.StatusOK, "healthy", nil)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.Route("/borrows", func(r chi.Router) {
			r.Post("/", cfg.Borrows.BorrowBook)
			r.Post("/requests", cfg.Borrows.RequestBorrow)
			r.Get("/{id}", cfg.Borrows.GetBorrow)
			r.Post("/{id}/extend", cfg.Borrows.ExtendBorrow)
			r.Post("/{id}/cancel", cfg.Borrows.CancelBorrow)

			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(mW.RoleAdmin))
				r.Get("/", cfg.Borrows.ListBorrows)
				r.Get("/overdue", cfg.Borrows.ListOverdue)
				r.Post("/{id}/return", cfg.Borrows.ReturnBook)
				r.Put("/{id}/status", cfg.Borrows.UpdateStatus)
				r.Post("/{id}/remind", cfg.Borrows.SendReminder)
			})
		})

		r.Route("/users/{userId}", func(r chi.Router) {
			r.Get("/status", cfg.Users.GetStatus)
			r.Get("/borrows", cfg.Users.ListBorrows)
			r.Get("/fines", cfg.Users.ListFines)

			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(mW.RoleAdmin))
				r.Post("/block", cfg.Users.Block)
				r.Post("/unblock", cfg.Users.Unblock)
			})
		})

		r.Route("/fines", func(r chi.Router) {
			r.Get("/{id}", cfg.Fines.GetFine)

			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(mW.RoleAdmin))
				r.Post("/", cfg.Fines.CreateFine)
				r.Get("/statistics", cfg.Fines.Statistics)
				r.Put("/{id}", cfg.Fines.UpdateFine)
				r.Get("/{id}/actions", cfg.Fines.ListActions)
				r.Post("/{id}/pay", cfg.Fines.PayFine)
				r.Post("/{id}/waive", cfg.Fines.WaiveFine)
			})
		})

		r.Route("/books/{bookId}/reviews", func(r chi.Router) {
			r.Get("/", cfg.Reviews.ListReviews)
			r.Post("/", cfg.Reviews.CreateReview)
		})
		r.Put("/reviews/{id}", cfg.Reviews.UpdateReview)

		r.Route("/admin", func(r chi.Router) {
			r.Use(mW.RequireRole(mW.RoleAdmin))
			r.Post("/overdue/scan", cfg.Admin.RunOverdueScan)
			r.Post("/reminders/run", cfg.Admin.RunReminders)
		})
	})

	return r
}

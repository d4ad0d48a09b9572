/**
 * @description
 * This file sets up the HTTP router for the trust-group service. It defines the API
 * endpoints, associates them with their handlers, and applies middleware for
 * authentication, CORS and timeouts.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Authenticate guards member-facing routes and must store the user id with WithUserID.
	Authenticate   func(http.Handler) http.Handler
	InternalAPIKey string
	AllowedOrigins []string
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new Chi router and registers the trust-group routes.
func NewRouter(h *Handlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(opts.InternalAPIKey))
		r.Post("/wallets/{userID}/top-up", h.InternalTopUp)
		r.Post("/withdrawals/{withdrawalID}/complete", h.InternalCompleteWithdrawal)
		r.Post("/withdrawals/{withdrawalID}/fail", h.InternalFailWithdrawal)
	})

	r.Group(func(r chi.Router) {
		if opts.Authenticate != nil {
			r.Use(opts.Authenticate)
		}

		r.Get("/me/wallet", h.MyWallet)

		r.Route("/groups", func(r chi.Router) {
			r.Post("/", h.CreateGroup)
			r.Get("/", h.ListGroups)

			r.Route("/{groupID}", func(r chi.Router) {
				r.Get("/", h.GetGroup)
				r.Get("/members", h.ListMembers)
				r.Get("/stats", h.GroupStats)
				r.Post("/pause", h.PauseGroup())
				r.Post("/resume", h.ResumeGroup())
				r.Post("/close", h.CloseGroup())
				r.Post("/members/{memberID}/promote", h.PromoteMember())
				r.Post("/members/{memberID}/demote", h.DemoteMember())
				r.Delete("/members/{memberID}", h.RemoveMember())

				r.Post("/applications", h.SubmitApplication)
				r.Get("/applications", h.ListApplications)

				r.Post("/wallet", h.CreateWallet)
				r.Get("/wallet", h.GetWallet)
				r.Post("/wallet/verify-pin", h.VerifyPIN)
				r.Put("/wallet/pin", h.ChangePIN)
				r.Put("/wallet/settings", h.UpdateWalletSettings)

				r.Post("/contributions", h.Contribute)
				r.Get("/ledger", h.ListLedger)

				r.Post("/withdrawals", h.RequestWithdrawal)
				r.Get("/withdrawals", h.ListWithdrawals)

				r.Get("/audit/verify", h.VerifyChain)
			})
		})

		r.Post("/applications/{applicationID}/review", h.ReviewApplication)
		r.Post("/applications/{applicationID}/votes", h.CastMembershipVote())
		r.Get("/applications/{applicationID}/votes", h.ListMembershipVotes())

		r.Get("/members/{memberID}/progress", h.MemberProgress)

		r.Get("/withdrawals/{withdrawalID}", h.GetWithdrawal)
		r.Post("/withdrawals/{withdrawalID}/votes", h.CastWithdrawalVote())
		r.Get("/withdrawals/{withdrawalID}/votes", h.ListWithdrawalVotes())

		r.Get("/audit/entities/{entityID}", h.EntityHistory)
	})

	return r
}

package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/garnizeh/servicemarket/internal/config"
	"github.com/garnizeh/servicemarket/internal/market"
	"github.com/garnizeh/servicemarket/internal/metrics"
	"github.com/garnizeh/servicemarket/internal/notify"
	"github.com/garnizeh/servicemarket/internal/realtime"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

// Services are the collaborators the HTTP surface is built on.
type Services struct {
	Users         repository.UserRepo
	Requests      *market.Requests
	Offers        *market.Offers
	Conversations *market.Conversations
	Dispatcher    *notify.Dispatcher
	Hub           *realtime.Hub
	Ping          func(ctx context.Context) error
}

func SetupRoutes(cfg *config.Config, version, buildTime string, svc Services) *mux.Router {
	r := mux.NewRouter()

	// Middleware chain
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware)
	r.Use(RecoveryMiddleware)
	r.Use(MetricsMiddleware)

	// Create handlers
	systemHandler := &SystemHandler{Ping: svc.Ping}
	authHandler := NewAuthHandler(svc.Users, cfg.JWTSecret, cfg.TokenDuration)
	requestsHandler := NewRequestsHandler(svc.Requests)
	offersHandler := NewOffersHandler(svc.Offers)
	notificationsHandler := NewNotificationsHandler(svc.Dispatcher)
	conversationsHandler := NewConversationsHandler(svc.Conversations)
	limiter := NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	// Open endpoints
	r.HandleFunc("/version", systemHandler.VersionHandler(version, buildTime)).Methods("GET")
	r.HandleFunc("/health", systemHandler.HealthHandler).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.Handle("/v1/auth/signup", limiter.Middleware(http.HandlerFunc(authHandler.Signup))).Methods("POST")
	r.Handle("/v1/auth/signin", limiter.Middleware(http.HandlerFunc(authHandler.Signin))).Methods("POST")

	// API v1 Protected routes
	apiV1 := r.PathPrefix("/v1").Subrouter()
	apiV1.Use(JWTAuthMiddlewareWithSecret(cfg.JWTSecret))
	apiV1.Use(limiter.Middleware)

	// Auth endpoints
	authV1 := apiV1.PathPrefix("/auth").Subrouter()
	authV1.HandleFunc("/signout", authHandler.Signout).Methods("POST")

	// Requests
	apiV1.HandleFunc("/requests", requestsHandler.CreateRequest).Methods("POST")
	apiV1.HandleFunc("/requests", requestsHandler.ListRequests).Methods("GET")
	apiV1.HandleFunc("/requests/{id:[0-9]+}", requestsHandler.GetRequest).Methods("GET")
	apiV1.HandleFunc("/requests/{id:[0-9]+}/status", requestsHandler.UpdateStatus).Methods("POST")
	apiV1.HandleFunc("/requests/{id:[0-9]+}/override", requestsHandler.OverrideStatus).Methods("POST")
	apiV1.HandleFunc("/requests/{id:[0-9]+}/assign", requestsHandler.AssignWorker).Methods("POST")
	apiV1.HandleFunc("/requests/{id:[0-9]+}/history", requestsHandler.ListStatusHistory).Methods("GET")

	// Offers
	apiV1.HandleFunc("/requests/{id:[0-9]+}/offers", offersHandler.SubmitOffer).Methods("POST")
	apiV1.HandleFunc("/requests/{id:[0-9]+}/offers", offersHandler.ListOffers).Methods("GET")
	apiV1.HandleFunc("/requests/{id:[0-9]+}/offers/{offerID:[0-9]+}", offersHandler.UpdateOffer).Methods("PATCH")
	apiV1.HandleFunc("/requests/{id:[0-9]+}/offers/{offerID:[0-9]+}/decision", offersHandler.DecideOffer).Methods("POST")
	apiV1.HandleFunc("/requests/{id:[0-9]+}/offers/{offerID:[0-9]+}/withdraw", offersHandler.WithdrawOffer).Methods("POST")
	apiV1.HandleFunc("/offers/mine", offersHandler.MyOffers).Methods("GET")

	// Notifications
	apiV1.HandleFunc("/notifications", notificationsHandler.List).Methods("GET")
	apiV1.HandleFunc("/notifications/read-all", notificationsHandler.MarkAllRead).Methods("POST")
	apiV1.HandleFunc("/notifications/{id:[0-9]+}/read", notificationsHandler.MarkRead).Methods("POST")

	// Conversations
	apiV1.HandleFunc("/conversations", conversationsHandler.Start).Methods("POST")
	apiV1.HandleFunc("/conversations", conversationsHandler.List).Methods("GET")
	apiV1.HandleFunc("/conversations/{id:[0-9]+}/messages", conversationsHandler.ListMessages).Methods("GET")
	apiV1.HandleFunc("/conversations/{id:[0-9]+}/messages", conversationsHandler.PostMessage).Methods("POST")
	apiV1.HandleFunc("/conversations/{id:[0-9]+}/archive", conversationsHandler.Archive).Methods("POST")

	// Realtime
	apiV1.HandleFunc("/ws", WSHandler(svc.Hub)).Methods("GET")

	return r
}

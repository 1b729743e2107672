package server

import (
	"github.com/nfrund/boardboard/internal/handlers"
	"github.com/nfrund/boardboard/internal/middleware"
)

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	authHandler := handlers.NewAuthHandler(s.deps.Accounts, s.deps.Sessions, s.deps.Bridge)
	accountHandler := handlers.NewAccountHandler(s.deps.Accounts, s.deps.Sessions, s.deps.Bridge)
	friendsHandler := handlers.NewFriendsHandler()
	withSession := middleware.Session(s.deps.Sessions)
	ensureSession := middleware.EnsureSession(s.deps.Sessions)
	rateLimiter := middleware.RateLimiter()

	s.E.GET("/healthz", handlers.Health(s.deps.Sessions))

	a := s.E.Group("/auth", withSession)
	a.POST("/signup", authHandler.SignUp, rateLimiter, ensureSession)
	a.POST("/login", authHandler.Login, rateLimiter, ensureSession)
	a.POST("/logout", authHandler.Logout)
	a.GET("/me", authHandler.Me, middleware.RequireAuth)

	s.E.GET("/ws", s.deps.Bridge.Handler(), withSession)

	api := s.E.Group("/api", withSession)
	api.DELETE("/account", accountHandler.Delete)
	api.POST("/friends/:id/notify", friendsHandler.Notify, middleware.RequireAuth)

	rt := api.Group("/realtime", middleware.RequireAuth)
	rt.GET("/topics", s.deps.Realtime.Topics)
	rt.GET("/events", s.deps.Realtime.Events)
	rt.POST("/broadcast", s.deps.Realtime.Broadcast)
}

// Package api exposes the bot's control surface: read-only state and PnL
// endpoints, the operator kill-switch and a websocket event stream.
package api

import (
	"net/http"
	"time"

	"github.com/Yaklede/bitcoin-auto-bot/internal/events"
	"github.com/Yaklede/bitcoin-auto-bot/internal/order"
	"github.com/Yaklede/bitcoin-auto-bot/internal/risk"
	"github.com/Yaklede/bitcoin-auto-bot/internal/safety"
	"github.com/Yaklede/bitcoin-auto-bot/internal/state"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the synchronizer and the event bus.
type Server struct {
	Router *gin.Engine
	Bus    *events.Bus
	Store  *db.Database
	Sync   *state.Synchronizer
	Safety *safety.Controller
	Engine *risk.Engine
	Ledger *order.Ledger
	Token  string
	Meta   SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Mode    string
	Market  string
	Version string
}

func NewServer(bus *events.Bus, store *db.Database, sy *state.Synchronizer, safe *safety.Controller,
	engine *risk.Engine, ledger *order.Ledger, meta SystemMeta, token string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger())       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	s := &Server{
		Router: r,
		Bus:    bus,
		Store:  store,
		Sync:   sy,
		Safety: safe,
		Engine: engine,
		Ledger: ledger,
		Token:  token,
		Meta:   meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/state", s.getState)
		api.GET("/position", s.getPosition)
		api.GET("/orders", s.getOrders)
		api.GET("/pnl", s.getPnl)
		api.GET("/trades", s.getTrades)
		api.GET("/stats", s.getStats)

		// Operator actions
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Token))
		{
			protected.POST("/killswitch", s.activateKillswitch)
			protected.DELETE("/killswitch", s.deactivateKillswitch)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	status := "ok"
	st := s.Sync.State()
	cacheDegraded, storeDegraded := s.Sync.Degraded()
	switch {
	case st.EmergencyStop:
		status = "stopped"
	case cacheDegraded || storeDegraded:
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"mode":           s.Meta.Mode,
		"market":         s.Meta.Market,
		"version":        s.Meta.Version,
		"trading_active": st.TradingActive,
		"cache_degraded": cacheDegraded,
		"store_degraded": storeDegraded,
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

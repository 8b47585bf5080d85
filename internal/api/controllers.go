package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type killswitchRequest struct {
	Reason string `json:"reason" binding:"required,min=1,max=200"`
	Force  bool   `json:"force"`
}

type listTradesQuery struct {
	Limit int `form:"limit"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.Sync.State())
}

func (s *Server) getPosition(c *gin.Context) {
	pos := s.Engine.CurrentPosition()
	if pos == nil {
		c.JSON(http.StatusOK, gin.H{"position": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"position":   pos,
		"r_multiple": pos.RMultiple(),
	})
}

func (s *Server) getOrders(c *gin.Context) {
	orders := s.Ledger.ActiveOrders()
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

func (s *Server) getPnl(c *gin.Context) {
	status := s.Engine.Status()

	resp := gin.H{"risk": status}
	if s.Store != nil {
		snap, err := s.Store.LatestSnapshot(c.Request.Context())
		if err == nil && snap != nil {
			resp["snapshot"] = snap
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "limit must be an integer: "+err.Error())
		return
	}
	q.normalize()

	if s.Store != nil {
		trades, err := s.Store.ListRecentTrades(c.Request.Context(), s.Meta.Market, q.Limit)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	// No store: fall back to the in-memory session history.
	trades := s.Engine.Trades()
	if q.Limit < len(trades) {
		trades = trades[len(trades)-q.Limit:]
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Stats())
}

func (s *Server) activateKillswitch(c *gin.Context) {
	var req killswitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	active, _, _ := s.Safety.Active()
	if active {
		respondError(c, http.StatusConflict, "ALREADY_ACTIVE", "kill-switch is already active")
		return
	}

	s.Safety.Activate(c.Request.Context(), req.Reason, req.Force)
	c.JSON(http.StatusOK, gin.H{
		"status": "activated",
		"reason": req.Reason,
		"force":  strconv.FormatBool(req.Force),
	})
}

func (s *Server) deactivateKillswitch(c *gin.Context) {
	active, _, _ := s.Safety.Active()
	if !active {
		respondError(c, http.StatusConflict, "NOT_ACTIVE", "kill-switch is not active")
		return
	}

	s.Safety.Deactivate(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

package diag

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/signalpost/flagwire/internal/breaker"
	"github.com/signalpost/flagwire/internal/model"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, envelope{Success: false, Error: message})
}

func (s *Server) listBreakers(c *gin.Context) {
	if s.deps.Breakers == nil {
		respondOK(c, []model.CircuitBreakerItemState{})
		return
	}
	items := lo.Map(s.deps.Breakers.Snapshots(), func(snap breaker.Snapshot, _ int) model.CircuitBreakerItemState {
		return breakerItemState(snap)
	})
	respondOK(c, items)
}

func (s *Server) getBreaker(c *gin.Context) {
	if s.deps.Breakers == nil {
		respondError(c, http.StatusNotFound, "breakers unavailable")
		return
	}
	respondOK(c, breakerItemState(s.deps.Breakers.Snapshot(c.Param("key"))))
}

func (s *Server) resetBreaker(c *gin.Context) {
	if s.deps.Breakers == nil {
		respondError(c, http.StatusNotFound, "breakers unavailable")
		return
	}
	key := c.Param("key")
	affected := 0
	if s.deps.Breakers.ResetKey(key) {
		affected = 1
	}
	respondOK(c, model.CircuitBreakerResetResponse{Key: key, AffectedBreakers: affected})
}

func (s *Server) resetAllBreakers(c *gin.Context) {
	if s.deps.Breakers == nil {
		respondError(c, http.StatusNotFound, "breakers unavailable")
		return
	}
	respondOK(c, model.CircuitBreakerResetResponse{AffectedBreakers: s.deps.Breakers.ResetAll()})
}

func (s *Server) getConnection(c *gin.Context) {
	if s.deps.Connection == nil {
		respondError(c, http.StatusNotFound, "connection manager unavailable")
		return
	}
	respondOK(c, s.deps.Connection.Info())
}

func (s *Server) getBandwidth(c *gin.Context) {
	if s.deps.Bandwidth == nil {
		respondError(c, http.StatusNotFound, "bandwidth monitor unavailable")
		return
	}
	respondOK(c, s.deps.Bandwidth.Stats())
}

func (s *Server) getQueues(c *gin.Context) {
	stats := lo.Map(s.deps.Queues, func(q QueueView, _ int) model.QueueStats {
		return q.Stats()
	})
	respondOK(c, stats)
}

func breakerItemState(snap breaker.Snapshot) model.CircuitBreakerItemState {
	return model.CircuitBreakerItemState{
		Key:                 snap.Key,
		State:               snap.State,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		TripCount:           snap.TripCount,
		LastFailureAt:       formatTime(snap.LastFailureAt),
		LastFailureReason:   snap.LastFailureReason,
		LastTripAt:          formatTime(snap.LastTripAt),
		OpenUntil:           formatTime(snap.OpenUntil),
		OpenRemainingSecond: openRemainingSeconds(snap.OpenUntil),
		ProbeInFlight:       snap.ProbeInFlight,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func openRemainingSeconds(openUntil time.Time) int {
	if openUntil.IsZero() {
		return 0
	}
	remaining := time.Until(openUntil)
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Second)
}

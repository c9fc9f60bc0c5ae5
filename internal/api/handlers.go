package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"strategy-agent/internal/models"
	"strategy-agent/internal/runtime"
)

// handleCreateStrategy validates the request, assembles the strategy's
// component graph, persists the row with status running (the row is the
// kill switch that authorizes the loop) and launches it.
func (s *Server) handleCreateStrategy(c *gin.Context) {
	var req models.UserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	strategyID := runtime.NewStrategyID()
	strat, err := runtime.New(c.Request.Context(), strategyID, &req, s.deps)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	name := req.TradingConfig.StrategyName
	if name == "" {
		name = strategyID
	}
	rec := &models.StrategyRecord{
		StrategyID: strategyID,
		Name:       name,
		UserID:     s.getUserID(c),
		Status:     models.StatusRunning,
		Config:     &req,
	}
	if err := s.repo.CreateStrategy(c.Request.Context(), rec); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to persist strategy: "+err.Error())
		return
	}

	if err := s.manager.Launch(strat); err != nil {
		if derr := s.repo.SetStrategyStatus(c.Request.Context(), strategyID, models.StatusError); derr != nil {
			s.logger.Warn().Err(derr).Str("strategy_id", strategyID).Msg("Failed to mark unlaunched strategy")
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info().
		Str("strategy_id", strategyID).
		Str("name", name).
		Str("mode", string(req.ExchangeConfig.TradingMode)).
		Msg("Strategy created")

	c.JSON(http.StatusCreated, gin.H{
		"success":     true,
		"strategy_id": strategyID,
		"name":        name,
		"status":      models.StatusRunning,
	})
}

// handleStopStrategy flips the kill switch. The decision loop observes
// the status row on every cycle and finalizes with a normal stop, even
// when a different process runs it.
func (s *Server) handleStopStrategy(c *gin.Context) {
	strategyID := c.Param("id")
	ctx := c.Request.Context()

	rec, err := s.repo.GetStrategy(ctx, strategyID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		errorResponse(c, http.StatusNotFound, "strategy not found")
		return
	}

	if rec.Status == models.StatusRunning || rec.Status == models.StatusPaused {
		if err := s.repo.SetStrategyStatus(ctx, strategyID, models.StatusStopped); err != nil {
			errorResponse(c, http.StatusInternalServerError, "failed to update status: "+err.Error())
			return
		}
		s.logger.Info().Str("strategy_id", strategyID).Msg("Strategy stop requested")
	}

	_, active := s.manager.Get(strategyID)
	successResponse(c, gin.H{
		"strategy_id": strategyID,
		"status":      models.StatusStopped,
		"active":      active,
	})
}

// handleListStrategies returns the persisted strategy rows, optionally
// scoped by user_id, plus the ids live in this process.
func (s *Server) handleListStrategies(c *gin.Context) {
	records, err := s.repo.ListStrategies(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{
		"strategies": records,
		"count":      len(records),
		"active_ids": s.manager.Active(),
	})
}

// handleGetStrategy returns one strategy row with its latest portfolio
// snapshot and holdings. Snapshot reads are best-effort; the row itself
// is authoritative.
func (s *Server) handleGetStrategy(c *gin.Context) {
	strategyID := c.Param("id")
	ctx := c.Request.Context()

	rec, err := s.repo.GetStrategy(ctx, strategyID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		errorResponse(c, http.StatusNotFound, "strategy not found")
		return
	}

	view, err := s.repo.LatestPortfolioSnapshot(ctx, strategyID)
	if err != nil {
		s.logger.Warn().Err(err).Str("strategy_id", strategyID).Msg("Portfolio snapshot read failed")
		view = nil
	}
	holdings, err := s.repo.LatestHoldings(ctx, strategyID)
	if err != nil {
		s.logger.Warn().Err(err).Str("strategy_id", strategyID).Msg("Holdings read failed")
		holdings = nil
	}

	_, active := s.manager.Get(strategyID)
	successResponse(c, gin.H{
		"strategy":  rec,
		"active":    active,
		"portfolio": view,
		"holdings":  holdings,
	})
}

// handleStrategyDetails returns the executed fills for one strategy,
// most recent first.
func (s *Server) handleStrategyDetails(c *gin.Context) {
	strategyID := c.Param("id")
	ctx := c.Request.Context()

	rec, err := s.repo.GetStrategy(ctx, strategyID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		errorResponse(c, http.StatusNotFound, "strategy not found")
		return
	}

	details, err := s.repo.GetDetails(ctx, strategyID, limitQuery(c, 200))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{
		"strategy_id": strategyID,
		"details":     details,
		"count":       len(details),
	})
}

// handlePortfolioHistory returns the portfolio snapshot series for one
// strategy, most recent first.
func (s *Server) handlePortfolioHistory(c *gin.Context) {
	strategyID := c.Param("id")
	ctx := c.Request.Context()

	rec, err := s.repo.GetStrategy(ctx, strategyID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		errorResponse(c, http.StatusNotFound, "strategy not found")
		return
	}

	snapshots, err := s.repo.PortfolioHistory(ctx, strategyID, limitQuery(c, 500))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{
		"strategy_id": strategyID,
		"snapshots":   snapshots,
		"count":       len(snapshots),
	})
}

// promptRequest is the create/update payload for prompt templates.
type promptRequest struct {
	Name    string `json:"name" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func (s *Server) handleListPrompts(c *gin.Context) {
	list, err := s.repo.ListPrompts(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{
		"prompts": list,
		"count":   len(list),
	})
}

func (s *Server) handleGetPrompt(c *gin.Context) {
	p, err := s.repo.GetPrompt(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		errorResponse(c, http.StatusNotFound, "prompt not found")
		return
	}
	successResponse(c, gin.H{"prompt": p})
}

func (s *Server) handleCreatePrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "name and content are required")
		return
	}
	p, err := s.repo.CreatePrompt(c.Request.Context(), req.Name, req.Content)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"prompt":  p,
	})
}

func (s *Server) handleUpdatePrompt(c *gin.Context) {
	id := c.Param("id")
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "name and content are required")
		return
	}
	p, err := s.repo.UpdatePrompt(c.Request.Context(), id, req.Name, req.Content)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		errorResponse(c, http.StatusNotFound, "prompt not found")
		return
	}
	if s.prompts != nil {
		s.prompts.Invalidate(c.Request.Context(), id)
	}
	successResponse(c, gin.H{"prompt": p})
}

func (s *Server) handleDeletePrompt(c *gin.Context) {
	id := c.Param("id")
	deleted, err := s.repo.DeletePrompt(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		errorResponse(c, http.StatusNotFound, "prompt not found")
		return
	}
	if s.prompts != nil {
		s.prompts.Invalidate(c.Request.Context(), id)
	}
	successResponse(c, gin.H{"deleted": true, "id": id})
}

// handleSystemStatus reports process and host health: CPU and memory via
// gopsutil, database reachability, cache breaker state and the live
// strategy registry.
func (s *Server) handleSystemStatus(c *gin.Context) {
	cpuPct := 0.0
	if samples, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(samples) > 0 {
		cpuPct = samples[0]
	}
	ramPct := 0.0
	if stat, err := mem.VirtualMemory(); err == nil {
		ramPct = stat.UsedPercent
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	dbStatus := "ok"
	if err := s.repo.HealthCheck(ctx); err != nil {
		dbStatus = "unavailable"
	}

	payload := gin.H{
		"uptime_sec":        int64(time.Since(s.startedAt).Seconds()),
		"cpu_percent":       cpuPct,
		"ram_percent":       ramPct,
		"database":          dbStatus,
		"active_strategies": s.manager.Count(),
		"active_ids":        s.manager.Active(),
		"ws_clients":        s.hub.ClientCount(),
	}
	if s.cache != nil {
		payload["cache"] = s.cache.GetStats()
	}
	successResponse(c, payload)
}

// limitQuery parses the limit query parameter, falling back on absent or
// invalid values.
func limitQuery(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradeengine/internal/aggregator"
	"tradeengine/internal/model"
	"tradeengine/internal/tradingconfig"
)

// handleSignal ingests one strategy signal and returns the dispatch
// verdict. All non-transport outcomes are 200 with a structured body;
// the status field says what happened.
func (s *Server) handleSignal(c *gin.Context) {
	var sig model.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "reason": "invalid signal payload: " + err.Error()})
		return
	}

	result := s.deps.Dispatcher.Dispatch(c.Request.Context(), &sig)
	code := http.StatusOK
	if result.Status == aggregator.StatusError {
		code = http.StatusInternalServerError
	}
	c.JSON(code, result)
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.deps.Ledger.OpenPositions()
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

// handlePosition returns one exchange position with its strategy
// positions and contribution history. Key format: SYMBOL_SIDE.
func (s *Server) handlePosition(c *gin.Context) {
	key := strings.ToUpper(c.Param("key"))
	ep, err := s.deps.Ledger.ExchangePositionByKey(key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	symbol, side, ok := splitPositionKey(key)
	var strategyPositions any
	if ok {
		strategyPositions = s.deps.Ledger.OpenStrategyPositions(symbol, side)
	}
	contributions, err := s.deps.Ledger.ContributionsFor(c.Request.Context(), key)
	if err != nil {
		contributions = nil
	}

	c.JSON(http.StatusOK, gin.H{
		"position":           ep,
		"strategy_positions": strategyPositions,
		"contributions":      contributions,
		"oco_pairs":          s.deps.OCO.PairsForKey(key),
	})
}

func (s *Server) handleClosePosition(c *gin.Context) {
	key := strings.ToUpper(c.Param("key"))
	symbol, side, ok := splitPositionKey(key)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "position key must be SYMBOL_LONG or SYMBOL_SHORT"})
		return
	}

	var body struct {
		Quantity float64 `json:"quantity"`
		Reason   string  `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid close request: " + err.Error()})
		return
	}
	if body.Reason == "" {
		body.Reason = "manual_close"
	}

	outcome, err := s.deps.Dispatcher.ClosePositionWithCleanup(c.Request.Context(), symbol, side, body.Quantity, body.Reason)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleOrders(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"active":      s.deps.Orders.ActiveOrders(),
		"conditional": s.deps.Orders.ConditionalOrders(),
		"history":     s.deps.Orders.History(limit),
	})
}

func (s *Server) handleOrderSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Orders.OrderSummary())
}

func (s *Server) handlePlaceConditional(c *gin.Context) {
	var order model.Order
	if err := c.ShouldBindJSON(&order); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order payload: " + err.Error()})
		return
	}
	if !order.Type.Conditional() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order type must be CONDITIONAL_LIMIT or CONDITIONAL_STOP"})
		return
	}

	res, err := s.deps.Orders.PlaceConditional(c.Request.Context(), &order)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Orders.CancelOrder(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

func (s *Server) handleOCOPairs(c *gin.Context) {
	pairs := s.deps.OCO.Pairs()
	c.JSON(http.StatusOK, gin.H{"pairs": pairs, "count": len(pairs)})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	symbol := strings.ToUpper(c.Query("symbol"))
	side := strings.ToUpper(c.Query("side"))
	params, err := s.deps.Resolver.GetConfig(c.Request.Context(), symbol, side)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "side": side, "parameters": params})
}

func (s *Server) handleSetConfig(c *gin.Context) {
	var body struct {
		Symbol       string                   `json:"symbol"`
		Side         string                   `json:"side"`
		Parameters   tradingconfig.Parameters `json:"parameters"`
		ChangedBy    string                   `json:"changed_by"`
		Reason       string                   `json:"reason"`
		ValidateOnly bool                     `json:"validate_only"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config payload: " + err.Error()})
		return
	}
	if body.ChangedBy == "" {
		body.ChangedBy = "api"
	}

	result, err := s.deps.Resolver.SetConfig(c.Request.Context(), tradingconfig.SetRequest{
		Parameters:   body.Parameters,
		ChangedBy:    body.ChangedBy,
		Symbol:       body.Symbol,
		Side:         body.Side,
		Reason:       body.Reason,
		ValidateOnly: body.ValidateOnly,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !result.OK {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleDeleteConfig(c *gin.Context) {
	symbol := c.Query("symbol")
	side := c.Query("side")
	changedBy := c.Query("changed_by")
	if changedBy == "" {
		changedBy = "api"
	}
	if err := s.deps.Resolver.DeleteConfig(c.Request.Context(), changedBy, symbol, side, c.Query("reason")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleConfigAudit(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	records, err := s.deps.Resolver.AuditTrail(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": records, "count": len(records)})
}

func (s *Server) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Risk.Snapshot())
}

func (s *Server) handleLeverage(c *gin.Context) {
	statuses, err := s.deps.Leverage.Statuses(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses, "count": len(statuses)})
}

// handleHealth probes the exchange and the datastore.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	health := gin.H{"status": "ok", "exchange": "ok", "datastore": "ok"}
	if err := s.deps.Exchange.Ping(ctx); err != nil {
		health["status"] = "degraded"
		health["exchange"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.deps.Store.Health(ctx); err != nil {
		health["status"] = "degraded"
		health["datastore"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func splitPositionKey(key string) (string, model.PositionSide, bool) {
	i := strings.LastIndex(key, "_")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	side := model.PositionSide(key[i+1:])
	if side != model.PositionSideLong && side != model.PositionSideShort {
		return "", "", false
	}
	return key[:i], side, true
}

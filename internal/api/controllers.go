package api

import (
	"net/http"

	"stopdaemon/internal/money"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

type armPositionRequest struct {
	AccountID        string `json:"account_id" binding:"required"`
	Symbol           string `json:"symbol" binding:"required"`
	Side             string `json:"side" binding:"required"`
	EntryPrice       string `json:"entry_price" binding:"required"`
	TechStopDistance string `json:"tech_stop_distance" binding:"required"`
	Quantity         string `json:"quantity" binding:"required"`
	MaxExposure      string `json:"max_exposure" binding:"required"`
	DailyLossLimit   string `json:"daily_loss_limit" binding:"required"`
	RiskPerTradePct  string `json:"risk_per_trade_pct" binding:"required"`
}

// armPosition records a new Armed position and spawns its entry detector,
// per the Arm command (§4.H).
func (s *Server) armPosition(c *gin.Context) {
	var req armPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ACCOUNT_ID", "account_id must be a uuid")
		return
	}
	symbol, err := money.NewSymbol(req.Symbol)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_SYMBOL", err.Error())
		return
	}
	side, err := money.ParseSide(req.Side)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_SIDE", err.Error())
		return
	}

	entryDec, err := decimal.NewFromString(req.EntryPrice)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ENTRY_PRICE", "entry_price must be a decimal string")
		return
	}
	entryPrice, err := money.NewPrice(entryDec)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ENTRY_PRICE", err.Error())
		return
	}
	distDec, err := decimal.NewFromString(req.TechStopDistance)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_TECH_STOP_DISTANCE", "tech_stop_distance must be a decimal string")
		return
	}
	techStopDistance, err := money.NewTechnicalStopDistance(distDec, entryPrice)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_TECH_STOP_DISTANCE", err.Error())
		return
	}
	qtyDec, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUANTITY", "quantity must be a decimal string")
		return
	}
	quantity, err := money.NewQuantity(qtyDec)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUANTITY", err.Error())
		return
	}

	maxExposureDec, err := decimal.NewFromString(req.MaxExposure)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_RISK_CONFIG", "max_exposure must be a decimal string")
		return
	}
	maxExposure, err := money.NewQuantity(maxExposureDec)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_RISK_CONFIG", err.Error())
		return
	}
	dailyLossDec, err := decimal.NewFromString(req.DailyLossLimit)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_RISK_CONFIG", "daily_loss_limit must be a decimal string")
		return
	}
	dailyLossLimit, err := money.NewQuantity(dailyLossDec)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_RISK_CONFIG", err.Error())
		return
	}
	riskPct, err := decimal.NewFromString(req.RiskPerTradePct)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_RISK_CONFIG", "risk_per_trade_pct must be a decimal string")
		return
	}
	risk, err := money.NewRiskConfig(maxExposure, dailyLossLimit, riskPct)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_RISK_CONFIG", err.Error())
		return
	}

	positionID, err := s.Daemon.Arm(c.Request.Context(), accountID, symbol, side, techStopDistance, quantity, risk, nil)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ARM_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{"position_id": positionID})
}

// listPositions returns every position the in-process projection still
// considers active (armed, active, or exiting) for this tenant.
func (s *Server) listPositions(c *gin.Context) {
	positions, err := s.Daemon.Positions.FindActiveFromProjection(c.Request.Context(), s.Meta.TenantID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, positions)
}

// getPosition returns the projected state of a single position.
func (s *Server) getPosition(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_POSITION_ID", "id must be a uuid")
		return
	}
	pos, _, err := s.Daemon.Positions.Get(c.Request.Context(), s.Meta.TenantID, id)
	if err != nil {
		respondError(c, http.StatusNotFound, "POSITION_NOT_FOUND", err.Error())
		return
	}
	c.JSON(http.StatusOK, pos)
}

// panicAll exits every active position for this tenant immediately.
func (s *Server) panicAll(c *gin.Context) {
	if err := s.Daemon.Panic(c.Request.Context()); err != nil {
		respondError(c, http.StatusInternalServerError, "PANIC_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "panic_triggered"})
}

// cancelDetector cancels a still-armed position's entry detector without
// touching the event log, for an operator aborting an order before entry.
func (s *Server) cancelDetector(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_POSITION_ID", "id must be a uuid")
		return
	}
	s.Daemon.Manager().CancelDetector(id)
	c.JSON(http.StatusOK, gin.H{"status": "detector_cancelled"})
}

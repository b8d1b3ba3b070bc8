package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fincore/internal/transaction"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
)

func (s *Server) walletRoutes(r *gin.RouterGroup) {
	wallets := r.Group("/wallets")
	{
		wallets.GET("", s.cached(entityWallet), s.handleListWallets)
		wallets.GET("/:id", s.cached(entityWallet), s.handleGetWallet)
		wallets.GET("/:id/transactions", s.handleWalletTransactions)

		writes := wallets.Group("", s.invalidates(entityWallet))
		writes.POST("", s.handleCreateWallet)
		writes.PATCH("/:id", s.handleUpdateWallet)
		writes.POST("/:id/default", s.handleSetDefaultWallet)
		writes.POST("/:id/pin", s.handleSetPIN)
		writes.POST("/:id/pin/reset", s.handleResetPIN)
	}
	wallets.POST("/:id/pin/verify", s.handleVerifyPIN)
	if s.OTP != nil {
		wallets.POST("/:id/pin/reset-code", s.handleRequestPINReset)
	}

	admin := r.Group("/admin/wallets", s.adminOnly())
	admin.PUT("/:id/status", s.invalidates(entityWallet), s.handleChangeWalletStatus)
	admin.GET("/:id/replay", s.handleReplayWallet)
}

type createWalletBody struct {
	Currency     string           `json:"currency"`
	WalletType   string           `json:"wallet_type"`
	Name         string           `json:"name"`
	IsDefault    bool             `json:"is_default"`
	DailyLimit   *decimal.Decimal `json:"daily_limit"`
	MonthlyLimit *decimal.Decimal `json:"monthly_limit"`
}

func (s *Server) handleCreateWallet(c *gin.Context) {
	var body createWalletBody
	if !s.bind(c, &body) {
		return
	}
	w, err := s.Wallets.CreateWallet(c.Request.Context(), wallet.CreateRequest{
		User:         caller(c).User,
		Currency:     body.Currency,
		WalletType:   body.WalletType,
		Name:         body.Name,
		IsDefault:    body.IsDefault,
		DailyLimit:   body.DailyLimit,
		MonthlyLimit: body.MonthlyLimit,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) handleListWallets(c *gin.Context) {
	out, err := s.Wallets.ListWallets(c.Request.Context(), callerID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *Server) handleGetWallet(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	w, err := s.Wallets.GetWallet(c.Request.Context(), callerID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleUpdateWallet(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var patch wallet.SettingsPatch
	if !s.bind(c, &patch) {
		return
	}
	w, err := s.Wallets.UpdateSettings(c.Request.Context(), callerID(c), id, patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleSetDefaultWallet(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	w, err := s.Wallets.SetDefaultWallet(c.Request.Context(), callerID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type pinBody struct {
	PIN string `json:"pin"`
}

func (s *Server) handleSetPIN(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var body pinBody
	if !s.bind(c, &body) {
		return
	}
	if err := s.Wallets.SetPIN(c.Request.Context(), callerID(c), id, body.PIN); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleVerifyPIN(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var body pinBody
	if !s.bind(c, &body) {
		return
	}
	if err := s.Wallets.VerifyPIN(c.Request.Context(), callerID(c), id, body.PIN); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// handleRequestPINReset issues a reset code and delivers it as a security
// alert.
func (s *Server) handleRequestPINReset(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	userID := callerID(c)
	if _, err := s.Wallets.GetWallet(ctx, userID, id); err != nil {
		s.fail(c, err)
		return
	}
	code, err := s.OTP.Issue(ctx, userID, wallet.OTPPurposePINReset)
	if err != nil {
		s.fail(c, err)
		return
	}
	if s.Alerts != nil {
		s.Alerts.SecurityAlert(ctx, userID, "PIN reset code",
			fmt.Sprintf("Your wallet PIN reset code is %s. It expires at %s UTC.", code.Value, code.ExpiresAt.UTC().Format("15:04")))
	}
	c.JSON(http.StatusAccepted, gin.H{"expires_at": code.ExpiresAt})
}

type resetPINBody struct {
	Code   string `json:"code"`
	NewPIN string `json:"new_pin"`
}

func (s *Server) handleResetPIN(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var body resetPINBody
	if !s.bind(c, &body) {
		return
	}
	if err := s.Wallets.ResetPIN(c.Request.Context(), callerID(c), id, body.Code, body.NewPIN); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWalletTransactions(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.Wallets.GetWallet(ctx, callerID(c), id); err != nil {
		s.fail(c, err)
		return
	}
	limit, offset := paging(c)
	items, total, err := s.Transactions.List(ctx, transaction.ListFilter{
		UserID:   callerID(c),
		WalletID: &id,
		Type:     models.TransactionType(c.Query("type")),
		Status:   models.TransactionStatus(c.Query("status")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

type walletStatusBody struct {
	Status models.WalletStatus `json:"status"`
	Reason string              `json:"reason"`
}

func (s *Server) handleChangeWalletStatus(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var body walletStatusBody
	if !s.bind(c, &body) {
		return
	}
	if body.Status == "" {
		s.fail(c, errors.ValidationFailed.Explain("status is required").WithField("required", "status", "is required"))
		return
	}
	w, err := s.Wallets.ChangeStatus(c.Request.Context(), caller(c).Actor(), id, body.Status, body.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleReplayWallet(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	res, err := s.Transactions.Replay(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Aidin1998/fincore/internal/transaction"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
)

func (s *Server) transactionRoutes(r *gin.RouterGroup) {
	moves := r.Group("", s.invalidates(entityWallet))
	moves.POST("/transfers", s.handleTransfer)
	moves.POST("/deposits", s.handleDeposit)
	moves.POST("/withdrawals", s.handleWithdraw)
	moves.POST("/holds", s.handlePlaceHold)
	moves.DELETE("/holds/:id", s.handleReleaseHold)
	moves.POST("/transactions/:id/cancel", s.handleCancelTransaction)

	r.GET("/transactions", s.handleListTransactions)
	r.GET("/transactions/:id", s.handleGetTransaction)

	r.POST("/admin/transactions/:id/reverse", s.adminOnly(), s.invalidates(entityWallet), s.handleReverseTransaction)
}

func (s *Server) handleTransfer(c *gin.Context) {
	var req transaction.TransferRequest
	if !s.bind(c, &req) {
		return
	}
	req.UserID = callerID(c)
	t, err := s.Transactions.Transfer(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req transaction.DepositRequest
	if !s.bind(c, &req) {
		return
	}
	req.User = caller(c).User
	res, err := s.Transactions.InitiateDeposit(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req transaction.WithdrawalRequest
	if !s.bind(c, &req) {
		return
	}
	req.User = caller(c).User
	t, err := s.Transactions.Withdraw(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusCreated
	if t.Status == models.TxPending {
		status = http.StatusAccepted
	}
	c.JSON(status, t)
}

func (s *Server) handlePlaceHold(c *gin.Context) {
	var req transaction.HoldRequest
	if !s.bind(c, &req) {
		return
	}
	req.UserID = callerID(c)
	h, err := s.Transactions.PlaceHold(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h)
}

func (s *Server) handleReleaseHold(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	h, err := s.Transactions.ReleaseHold(c.Request.Context(), callerID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) handleCancelTransaction(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	t, err := s.Transactions.Cancel(c.Request.Context(), callerID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func parseTimeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.ValidationFailed.Explain("%s must be an RFC 3339 timestamp", name).
			WithField("invalid_time", name, "must be RFC 3339")
	}
	t = t.UTC()
	return &t, nil
}

func (s *Server) handleListTransactions(c *gin.Context) {
	from, err := parseTimeQuery(c, "from")
	if err != nil {
		s.fail(c, err)
		return
	}
	to, err := parseTimeQuery(c, "to")
	if err != nil {
		s.fail(c, err)
		return
	}
	limit, offset := paging(c)
	items, total, err := s.Transactions.List(c.Request.Context(), transaction.ListFilter{
		UserID: callerID(c),
		Type:   models.TransactionType(c.Query("type")),
		Status: models.TransactionStatus(c.Query("status")),
		From:   from,
		To:     to,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

func (s *Server) handleGetTransaction(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	t, err := s.Transactions.Get(c.Request.Context(), callerID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReverseTransaction(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var body reasonBody
	if !s.bind(c, &body) {
		return
	}
	t, err := s.Transactions.Reverse(c.Request.Context(), caller(c).Actor(), id, body.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

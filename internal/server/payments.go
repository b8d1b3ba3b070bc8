package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Aidin1998/fincore/internal/cards"
	"github.com/Aidin1998/fincore/internal/recurring"
	"github.com/Aidin1998/fincore/internal/splitpay"
)

// ownedAction adapts a (caller, :id) service call into a handler.
func ownedAction[T any](s *Server, fn func(ctx context.Context, userID, id uuid.UUID) (T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := s.pathID(c, "id")
		if !ok {
			return
		}
		out, err := fn(c.Request.Context(), callerID(c), id)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) cardRoutes(r *gin.RouterGroup) {
	g := r.Group("/cards")
	g.POST("", s.handleCreateCard)
	g.GET("", s.handleListCards)
	g.GET("/:id", ownedAction(s, s.Cards.Get))
	g.POST("/:id/freeze", ownedAction(s, s.Cards.Freeze))
	g.POST("/:id/unfreeze", ownedAction(s, s.Cards.Unfreeze))
	g.POST("/:id/block", ownedAction(s, s.Cards.Block))
}

func (s *Server) handleCreateCard(c *gin.Context) {
	var req cards.CreateRequest
	if !s.bind(c, &req) {
		return
	}
	req.User = caller(c).User
	issued, err := s.Cards.Create(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, issued)
}

func (s *Server) handleListCards(c *gin.Context) {
	items, err := s.Cards.List(c.Request.Context(), callerID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) splitRoutes(r *gin.RouterGroup) {
	g := r.Group("/splits")
	g.POST("", s.handleCreateSplit)
	g.GET("", s.handleListSplits)
	g.GET("/:id", ownedAction(s, s.Splits.Get))
	g.POST("/:id/pay", s.invalidates(entityWallet), s.handlePaySplit)
	g.POST("/:id/cancel", ownedAction(s, s.Splits.Cancel))
}

func (s *Server) handleCreateSplit(c *gin.Context) {
	var req splitpay.CreateRequest
	if !s.bind(c, &req) {
		return
	}
	req.CreatorID = callerID(c)
	sp, err := s.Splits.Create(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sp)
}

func (s *Server) handleListSplits(c *gin.Context) {
	items, err := s.Splits.List(c.Request.Context(), callerID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handlePaySplit(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var req splitpay.PayRequest
	if !s.bind(c, &req) {
		return
	}
	req.UserID, req.SplitID = callerID(c), id
	sp, err := s.Splits.Pay(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sp)
}

func (s *Server) recurringRoutes(r *gin.RouterGroup) {
	g := r.Group("/recurring")
	g.POST("", s.handleCreateRecurring)
	g.GET("", s.handleListRecurring)
	g.GET("/:id", ownedAction(s, s.Recurring.Get))
	g.POST("/:id/pause", ownedAction(s, s.Recurring.Pause))
	g.POST("/:id/resume", ownedAction(s, s.Recurring.Resume))
	g.POST("/:id/cancel", ownedAction(s, s.Recurring.Cancel))
}

func (s *Server) handleCreateRecurring(c *gin.Context) {
	var req recurring.CreateRequest
	if !s.bind(c, &req) {
		return
	}
	req.UserID = callerID(c)
	rp, err := s.Recurring.Create(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rp)
}

func (s *Server) handleListRecurring(c *gin.Context) {
	items, err := s.Recurring.List(c.Request.Context(), callerID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// handleWebSocket authenticates with the bearer header or, for browsers that
// cannot set headers on upgrade, the access_token query parameter.
func (s *Server) handleWebSocket(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		token = c.Query("access_token")
	}
	id, err := s.Tokens.Verify(token)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.Hub.ServeWS(c.Writer, c.Request, id.User.UserID)
}

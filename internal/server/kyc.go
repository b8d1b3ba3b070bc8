package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Aidin1998/fincore/internal/kyc"
)

func (s *Server) kycRoutes(r *gin.RouterGroup) {
	r.POST("/kyc", s.handleSubmitKYC)
	r.GET("/kyc", s.handleLatestKYC)

	admin := r.Group("/admin/kyc", s.adminOnly())
	admin.GET("", s.handleKYCQueue)
	admin.GET("/:id", s.handleGetKYC)
	admin.GET("/:id/aml", s.handleAMLChecks)
	admin.POST("/:id/approve", s.handleApproveKYC)
	admin.POST("/:id/reject", s.handleRejectKYC)
}

func (s *Server) handleSubmitKYC(c *gin.Context) {
	var req kyc.SubmitRequest
	if !s.bind(c, &req) {
		return
	}
	req.UserID = callerID(c)
	v, err := s.KYC.Submit(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (s *Server) handleLatestKYC(c *gin.Context) {
	v, err := s.KYC.Latest(c.Request.Context(), callerID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleKYCQueue(c *gin.Context) {
	limit, offset := paging(c)
	items, err := s.KYC.ListForReview(c.Request.Context(), limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleGetKYC(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	v, err := s.KYC.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleAMLChecks(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	items, err := s.KYC.AMLChecks(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type reviewBody struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func (s *Server) handleApproveKYC(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var body reviewBody
	if !s.bind(c, &body) {
		return
	}
	v, err := s.KYC.Approve(c.Request.Context(), caller(c).Actor(), id, body.Notes)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleRejectKYC(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var body reviewBody
	if !s.bind(c, &body) {
		return
	}
	v, err := s.KYC.Reject(c.Request.Context(), caller(c).Actor(), id, body.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

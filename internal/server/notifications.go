package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Aidin1998/fincore/internal/notification"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
)

func (s *Server) notificationRoutes(r *gin.RouterGroup) {
	n := r.Group("/notifications")
	n.GET("", s.handleListNotifications)
	n.GET("/unread-count", s.handleUnreadCount)
	n.POST("/read-all", s.handleMarkAllRead)
	n.POST("/:id/read", s.handleMarkRead)
	n.GET("/preferences", s.handleGetPreferences)
	n.PUT("/preferences", s.handleSetPreferences)

	r.POST("/devices", s.handleRegisterDevice)
	r.DELETE("/devices/:token", s.handleUnregisterDevice)

	r.POST("/admin/notifications/broadcast", s.adminOnly(), s.handleBroadcast)
}

func (s *Server) handleListNotifications(c *gin.Context) {
	limit, offset := paging(c)
	items, total, err := s.Inbox.List(c.Request.Context(), callerID(c), notification.ListFilter{
		UnreadOnly: c.Query("unread") == "true",
		Type:       models.NotificationType(c.Query("type")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

func (s *Server) handleUnreadCount(c *gin.Context) {
	n, err := s.Inbox.UnreadCount(c.Request.Context(), callerID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": n})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	n, err := s.Inbox.MarkRead(c.Request.Context(), callerID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) handleMarkAllRead(c *gin.Context) {
	n, err := s.Inbox.MarkAllRead(c.Request.Context(), callerID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

func (s *Server) handleGetPreferences(c *gin.Context) {
	p, err := s.Inbox.Preferences(c.Request.Context(), callerID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleSetPreferences(c *gin.Context) {
	var u notification.PreferenceUpdate
	if !s.bind(c, &u) {
		return
	}
	p, err := s.Inbox.SetPreferences(c.Request.Context(), callerID(c), u)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type deviceBody struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (s *Server) handleRegisterDevice(c *gin.Context) {
	var body deviceBody
	if !s.bind(c, &body) {
		return
	}
	d, err := s.Inbox.RegisterDevice(c.Request.Context(), callerID(c), body.Token, body.Platform)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) handleUnregisterDevice(c *gin.Context) {
	if err := s.Inbox.UnregisterDevice(c.Request.Context(), callerID(c), c.Param("token")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type broadcastBody struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(c *gin.Context) {
	var body broadcastBody
	if !s.bind(c, &body) {
		return
	}
	if body.Title == "" || body.Message == "" {
		s.fail(c, errors.ValidationFailed.Explain("title and message are required").
			WithField("required", "message", "title and message are required"))
		return
	}
	if err := s.Inbox.Broadcast(c.Request.Context(), body.Title, body.Message); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

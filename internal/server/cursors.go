package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/renovolabs/renovo/internal/cursor"
)

func (s *Server) GetRecurringBillingCursor(c *gin.Context) {
	cursorTime, err := s.cursors.Read(c.Request.Context(), cursor.CursorTypeRecurringBilling)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"cursor_type": cursor.CursorTypeRecurringBilling,
		"cursor_time": cursorTime,
	}})
}

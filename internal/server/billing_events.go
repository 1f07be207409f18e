package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/renovolabs/renovo/internal/billing/domain"
)

func (s *Server) ListBillingEvents(c *gin.Context) {
	var query struct {
		DomainName string `form:"domain_name"`
		PageSize   int32  `form:"page_size"`
		PageToken  string `form:"page_token"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.billingSvc.ListBillingEvents(c.Request.Context(), billingdomain.ListBillingEventsRequest{
		DomainName: strings.TrimSpace(query.DomainName),
		PageSize:   query.PageSize,
		PageToken:  strings.TrimSpace(query.PageToken),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

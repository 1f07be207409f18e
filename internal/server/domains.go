package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	registrydomain "github.com/renovolabs/renovo/internal/registry/domain"
)

func (s *Server) CreateDomain(c *gin.Context) {
	var req registrydomain.CreateDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.RegistrarID = strings.TrimSpace(req.RegistrarID)

	resp, err := s.registrySvc.CreateDomain(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

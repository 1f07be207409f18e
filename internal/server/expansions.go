package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/renovolabs/renovo/internal/expander"
)

// RunExpansion triggers one expansion run. An empty body runs with the
// configured defaults. Partial completion still returns the summary; only
// aborted runs surface as errors.
func (s *Server) RunExpansion(c *gin.Context) {
	var params expander.RunParams
	if err := c.ShouldBindJSON(&params); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}

	summary, err := s.expander.RunOnce(c.Request.Context(), params)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type tokenRequest struct {
	Owner  string `json:"owner" binding:"required"`
	APIKey string `json:"api_key" binding:"required"`
}

func (s *Server) issueToken(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "owner and api_key are required", false, nil)
		return
	}
	tok, err := s.auth.Exchange(req.Owner, req.APIKey)
	if err != nil {
		writeError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid owner or api key", false, nil)
		return
	}
	writeData(c, http.StatusOK, gin.H{
		"access_token":   tok.AccessToken,
		"expires_in_sec": tok.ExpiresInSec,
		"owner":          req.Owner,
	})
}

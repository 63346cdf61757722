package api

import (
	"errors"
	"net/http"

	"fixdad/server/internal/model"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// failureResponse 是所有失败的统一响应体。reason 是稳定的失败码，客户端可直接做 i18n。
type failureResponse struct {
	Success   bool               `json:"success"`
	Reason    model.FailureCode  `json:"reason"`
	Class     model.FailureClass `json:"class"`
	Skipped   bool               `json:"skipped,omitempty"`
	SessionID string             `json:"session_id"`
}

// statusFor 把失败映射为 HTTP 状态码。
func statusFor(f *model.Failure) int {
	switch f.Code {
	case model.CodeNoSession:
		return http.StatusNotFound
	case model.CodeNetwork:
		return http.StatusGatewayTimeout
	}
	switch f.Class() {
	case model.ClassAdmission:
		return http.StatusTooManyRequests
	case model.ClassPrecondition:
		return http.StatusConflict
	case model.ClassInput:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) fail(c *gin.Context, sessionID string, err error) {
	var f *model.Failure
	if !errors.As(err, &f) {
		s.logger.Error("request failed", zap.String("session_id", sessionID), zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error", "session_id": sessionID})
		return
	}
	c.JSON(statusFor(f), failureResponse{
		Reason:    f.Code,
		Class:     f.Class(),
		Skipped:   f.Class() == model.ClassAdmission,
		SessionID: sessionID,
	})
}

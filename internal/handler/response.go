package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	pkgerrors "github.com/dwebhost/dweb-alpha/pkg/errors"
)

// ErrorResponse 错误响应，成功时直接返回数据本身
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	ErrCode string `json:"errCode,omitempty"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// BadRequest 请求参数错误
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Code:    http.StatusBadRequest,
		Message: message,
		ErrCode: pkgerrors.ErrInvalidRequest.Code,
	})
}

// Error 按错误码映射 HTTP 状态
func Error(c *gin.Context, err error) {
	_ = c.Error(err)
	status := pkgerrors.ToHTTPStatus(err)
	bizErr := pkgerrors.FromError(err)
	c.JSON(status, ErrorResponse{
		Code:    status,
		Message: bizErr.Message,
		ErrCode: bizErr.Code,
	})
}

package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope for successful JSON responses.
type Response struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
}

func RespondOK(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, Response{Data: data, Message: message})
}

func RespondCreated(c *gin.Context, message string, data any) {
	c.JSON(http.StatusCreated, Response{Data: data, Message: message})
}

func RespondAccepted(c *gin.Context, message string, data any) {
	c.JSON(http.StatusAccepted, Response{Data: data, Message: message})
}

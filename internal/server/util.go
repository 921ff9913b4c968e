package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// PaginationParams are the offset and limit query parameters.
type PaginationParams struct {
	Offset int
	Limit  int
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// parsePaginationParams parses offset and limit query parameters. Missing
// values are zero; bounds are applied by the execution service.
func parsePaginationParams(c *gin.Context) (*PaginationParams, error) {
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		return nil, errors.New("offset must be a number")
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		return nil, errors.New("limit must be a number")
	}
	return &PaginationParams{Offset: offset, Limit: limit}, nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// respondError sends a standardized error response
func respondError(c *gin.Context, statusCode int, errorCode, message string) {
	writeJSON(c, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

func handleBindingError(c *gin.Context, _ error) {
	respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
}

// observe records request metrics under the matched route pattern.
func (r *Router) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		d := time.Since(start)
		if r.opts.Observer != nil {
			r.opts.Observer.ObserveHTTP(c.Request.Method, path, c.Writer.Status(), d)
		}
		r.logger.Debug("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", d)
	}
}

// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"resumable-upload-go/pkg/log"
)

// maxLoggedBody 限制记录到日志中的请求/响应体长度。
const maxLoggedBody = 4096

// bodyLogWriter 用于捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 将响应写入 gin.ResponseWriter 和一个内部的 buffer
func (w bodyLogWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - w.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		w.body.Write(b[:room])
	}
	return w.ResponseWriter.Write(b)
}

// RequestLogger 是一个 Gin 中间件，用于记录请求和响应日志。
// 分片上传的请求体是原始字节流，可能有上百 MB，不做缓存也不记录。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		var requestBody []byte
		if c.Request.Body != nil && !isBinary(c.ContentType()) {
			requestBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxLoggedBody+1))
			if len(requestBody) > maxLoggedBody {
				// 超长的请求体：拼回未读部分交给后续处理函数
				c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(requestBody), c.Request.Body))
				requestBody = requestBody[:maxLoggedBody]
			} else {
				c.Request.Body = io.NopCloser(bytes.NewReader(requestBody))
			}
		}

		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"query", c.Request.URL.RawQuery,
			"requestBody", string(requestBody),
			"responseBody", blw.body.String(),
		)
	}
}

func isBinary(contentType string) bool {
	return contentType == "application/octet-stream" ||
		strings.HasPrefix(contentType, "multipart/") ||
		strings.HasPrefix(contentType, "video/") ||
		strings.HasPrefix(contentType, "image/")
}

// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"resumable-upload-go/internal/chunkstore"
	"resumable-upload-go/internal/model"
	"resumable-upload-go/internal/service"
	"resumable-upload-go/pkg/log"
)

// UploadHandler 负责处理 verify / upload / merge 三个 API。
type UploadHandler struct {
	uploadService service.UploadService
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

// VerifyResponse 是 GET /verify/:contentId 的响应体。
type VerifyResponse struct {
	Success           bool                `json:"success"`
	NeedUpload        bool                `json:"needUpload"`
	UploadedChunkList []model.ChunkRecord `json:"uploadedChunkList,omitempty"`
}

// Verify 处理秒传 / 续传检查的请求。
func (h *UploadHandler) Verify(c *gin.Context) {
	contentID := c.Param("contentId")
	result, err := h.uploadService.Verify(c.Request.Context(), contentID)
	if err != nil {
		writeError(c, "Verify", err)
		return
	}
	c.JSON(http.StatusOK, VerifyResponse{
		Success:           true,
		NeedUpload:        !result.Exists,
		UploadedChunkList: result.Chunks,
	})
}

// UploadChunk 处理分片上传的请求，请求体为分片的原始字节。
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	contentID := c.Param("contentId")
	chunkName := c.Query("chunkName")
	if chunkName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "缺少 chunkName 参数"})
		return
	}

	var start int64
	if s := c.Query("start"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "无效的 start 参数"})
			return
		}
		start = v
	}

	if _, err := h.uploadService.UploadChunk(c.Request.Context(), contentID, chunkName, start, c.Request.Body); err != nil {
		writeError(c, "UploadChunk", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Merge 处理分片合并的请求。
func (h *UploadHandler) Merge(c *gin.Context) {
	contentID := c.Param("contentId")
	if _, err := h.uploadService.MergeChunks(c.Request.Context(), contentID); err != nil {
		writeError(c, "Merge", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Health 用于存活探测。
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// writeError 把领域错误映射为 HTTP 状态码，响应体统一为 {success:false, message}。
func writeError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chunkstore.ErrInvalidContentID),
		errors.Is(err, chunkstore.ErrInvalidChunkName),
		errors.Is(err, chunkstore.ErrInvalidOffset):
		status = http.StatusBadRequest
	case errors.Is(err, chunkstore.ErrTempAreaNotFound):
		status = http.StatusNotFound
	default:
		log.Error(op+": request failed", err)
	}
	c.JSON(status, gin.H{"success": false, "message": err.Error()})
}

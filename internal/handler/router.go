package handler

import (
	"github.com/gin-gonic/gin"
	"resumable-upload-go/internal/middleware"
	"resumable-upload-go/internal/service"
)

// NewRouter 创建路由引擎并注册所有路由。
// publicDir 下合并完成的文件通过 /public 直接下载。
func NewRouter(uploadService service.UploadService, publicDir string, allowOrigins []string) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery(), middleware.CORS(allowOrigins))

	uploadHandler := NewUploadHandler(uploadService)
	r.GET("/health", Health)
	r.GET("/verify/:contentId", uploadHandler.Verify)
	r.POST("/upload/:contentId", uploadHandler.UploadChunk)
	r.GET("/merge/:contentId", uploadHandler.Merge)
	r.Static("/public", publicDir)

	return r
}

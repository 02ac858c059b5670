package api

import (
	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, handler *Handler) {
	// Health check
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		v1.POST("/scans", handler.CreateScan)
		v1.GET("/scans/:id", handler.GetScanStatus)
		v1.GET("/scans/:id/report", handler.GetScanReport)
	}
}

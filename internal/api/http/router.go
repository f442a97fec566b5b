package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type RouterConfig struct {
	AllowedOrigins []string
	JWTSecret      string
}

func SetupRouter(cfg RouterConfig, roomController *RoomController, relayController *RelayController) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	config := cors.DefaultConfig()
	config.AllowOrigins = cfg.AllowedOrigins
	config.AllowCredentials = true
	config.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"Origin",
		"Accept",
	}
	config.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	router.Use(cors.New(config))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	if relayController != nil {
		router.GET("/ws/topics/:topic", relayController.Topic)
	}

	if roomController != nil {
		rooms := router.Group("/api/rooms")
		rooms.GET("/:code", roomController.GetRoom)

		owned := rooms.Group("", JWTAuth(cfg.JWTSecret))
		owned.POST("", roomController.CreateRoom)
		owned.POST("/:code/end", roomController.EndRoom)
	}

	return router
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/squidx232/watchparty/internal/config"
)

// SetupRouter wires the REST room surface and the websocket channel
// endpoint onto one gin engine.
func SetupRouter(cfg *config.Config, hub *Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctl := &Controller{Cfg: cfg, Hub: hub}

	api := r.Group("/api")
	api.GET("/ws", ctl.HandleWS)

	api.POST("/rooms", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
			return
		}
		room := hub.Create(req.Name)
		log.Info().Str("module", "server.http").Str("room", room.ID()).Str("name", req.Name).Msg("room created")
		c.JSON(http.StatusCreated, room.Meta())
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.List())
	})

	api.GET("/rooms/:id", func(c *gin.Context) {
		room, ok := hub.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, RoomInfo{Meta: room.Meta(), MemberCount: room.MemberCount()})
	})

	api.DELETE("/rooms/:id", func(c *gin.Context) {
		if !hub.CloseRoom(c.Param("id"), "closed by administrator") {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	return r
}

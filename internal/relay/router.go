package relay

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/config"
)

func SetupRouter(ctx context.Context, cfg *config.Relay, h *Handler, issuer *TokenIssuer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("DuetSessions", store))
	r.Use(ClientTokenMiddleware(issuer))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	api.GET("/stats", func(c *gin.Context) {
		rooms, members := h.Arena.Counts()
		c.JSON(http.StatusOK, gin.H{
			"rooms":       rooms,
			"connections": members,
		})
	})

	// Issues a token bound to the caller's resolved client id, so a
	// client can persist its identity across restarts.
	api.GET("/token", func(c *gin.Context) {
		clientID := c.GetString("client_id")
		signed, err := issuer.Issue(clientID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": signed})
	})

	api.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "relay").Str("client", c.GetString("client_id")).Msg("ws endpoint hit")
		h.HandleWS(ctx, c)
	})

	return r
}

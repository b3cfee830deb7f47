package router

import (
	"fmt"
	"net/http"

	"github.com/devfolio/internal/handler"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

const sessionCookieName = "devfolio_session"

// SetupRouter 配置 Gin 引擎和路由。trustedProxies 为空时不信任任何代理，
// c.ClientIP() 即为直连地址，限流无法通过伪造转发头绕过。
func SetupRouter(sessionSecret string, trustedProxies []string, api *handler.API) (*gin.Engine, error) {
	r := gin.Default()
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	// 会话 Cookie 只在标签页生命周期内有效，用于记住最近一次上报的 sessionId
	store := cookie.NewStore([]byte(sessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions(sessionCookieName, store))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	apiGroup := r.Group("/api")
	{
		visitors := apiGroup.Group("/visitors")
		{
			visitors.POST("/track", api.TrackVisitor)
			visitors.DELETE("/track", api.DeactivateVisitor)
			visitors.GET("/stats", api.VisitorStats)
		}
	}

	return r, nil
}

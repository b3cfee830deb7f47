package handler

import (
	"net"
	"strings"

	"github.com/devfolio/internal/service"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

const (
	sessionKeyFallbackID = "visitor_fallback_id"
	unknownClientIP      = "unknown"
)

// clientIP prefers the first X-Forwarded-For hop, the way the site sits
// behind its hosting proxy. It feeds the unique-visitor heuristic only;
// rate limiting uses gin's ClientIP, which honours trusted proxies alone.
func clientIP(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(c.GetHeader("X-Real-IP")); realIP != "" {
		return realIP
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil && host != "" {
		return host
	}
	return unknownClientIP
}

// rememberedFallbackID returns the synthesized id this browser was given
// by an earlier id-less track call. Genuine tab ids are never stored: they
// are per-tab and the cookie is shared by every tab of the browser.
func rememberedFallbackID(c *gin.Context) string {
	if _, ok := c.Get(sessions.DefaultKey); !ok {
		return ""
	}
	id, _ := sessions.Default(c).Get(sessionKeyFallbackID).(string)
	if !service.IsFallbackSessionID(id) {
		return ""
	}
	return id
}

func rememberFallbackID(c *gin.Context, id string) {
	if _, ok := c.Get(sessions.DefaultKey); !ok || !service.IsFallbackSessionID(id) {
		return
	}
	session := sessions.Default(c)
	if current, _ := session.Get(sessionKeyFallbackID).(string); current == id {
		return
	}
	session.Set(sessionKeyFallbackID, id)
	if err := session.Save(); err != nil {
		c.Error(err)
	}
}

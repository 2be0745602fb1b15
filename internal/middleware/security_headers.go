package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeadersConfig holds configuration for security headers
type SecurityHeadersConfig struct {
	// Content Security Policy
	CSP string

	// X-Frame-Options (DENY, SAMEORIGIN, ALLOW-FROM)
	FrameOptions string

	// Referrer-Policy
	ReferrerPolicy string

	// Permissions-Policy
	PermissionsPolicy string

	// X-Content-Type-Options
	ContentTypeOptions string

	// X-XSS-Protection
	XSSProtection string

	// Strict-Transport-Security (HSTS); only sent over TLS
	HSTS string

	// Additional custom headers
	CustomHeaders map[string]string
}

// DefaultSecurityHeadersConfig returns default security headers configuration
func DefaultSecurityHeadersConfig() *SecurityHeadersConfig {
	return &SecurityHeadersConfig{
		CSP:                "default-src 'self'; connect-src 'self' wss: ws:; object-src 'none'; base-uri 'self'; frame-ancestors 'none';",
		FrameOptions:       "DENY",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		PermissionsPolicy:  "geolocation=(), microphone=(), camera=()",
		ContentTypeOptions: "nosniff",
		XSSProtection:      "1; mode=block",
		HSTS:               "max-age=31536000; includeSubDomains",
		CustomHeaders:      map[string]string{},
	}
}

// APISecurityHeadersConfig returns security headers configuration optimized for API endpoints
func APISecurityHeadersConfig() *SecurityHeadersConfig {
	config := DefaultSecurityHeadersConfig()

	// More restrictive CSP for API endpoints
	config.CSP = "default-src 'none'; connect-src 'self';"
	config.FrameOptions = "DENY"
	config.ReferrerPolicy = "no-referrer"

	config.CustomHeaders["X-Robots-Tag"] = "noindex, nofollow"

	return config
}

// SecurityHeaders creates middleware that adds security headers to responses
func SecurityHeaders(config *SecurityHeadersConfig) gin.HandlerFunc {
	if config == nil {
		config = DefaultSecurityHeadersConfig()
	}

	return func(c *gin.Context) {
		if config.CSP != "" {
			c.Header("Content-Security-Policy", config.CSP)
		}
		if config.FrameOptions != "" {
			c.Header("X-Frame-Options", config.FrameOptions)
		}
		if config.ReferrerPolicy != "" {
			c.Header("Referrer-Policy", config.ReferrerPolicy)
		}
		if config.PermissionsPolicy != "" {
			c.Header("Permissions-Policy", config.PermissionsPolicy)
		}
		if config.ContentTypeOptions != "" {
			c.Header("X-Content-Type-Options", config.ContentTypeOptions)
		}
		if config.XSSProtection != "" {
			c.Header("X-XSS-Protection", config.XSSProtection)
		}
		if config.HSTS != "" && c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", config.HSTS)
		}

		for key, value := range config.CustomHeaders {
			c.Header(key, value)
		}

		c.Next()
	}
}

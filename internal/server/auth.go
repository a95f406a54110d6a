package server

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	csrfHeader    = "X-CSRF-Token"
	csrfFormField = "csrf_token"

	// Tokens rotate after this lifetime. The previous token stays valid for
	// the grace window so in-flight forms submitted across a rotation still
	// pass.
	csrfLifetime = 3600 * time.Second
	csrfGrace    = 300 * time.Second
)

// csrfExempt lists path prefixes that workers and probes hit without a
// browser session. Worker claim loops and health checks carry no token.
var csrfExempt = []string{
	"/health",
	"/api/tasks/claim",
	"/api/workers/",
	"/ws",
}

// CSRFManager issues and rotates double-submit tokens.
type CSRFManager struct {
	lifetime time.Duration
	grace    time.Duration

	mu        sync.Mutex
	current   string
	previous  string
	rotatedAt time.Time
	now       func() time.Time
}

// NewCSRFManager creates a token manager. Non-positive durations fall back to
// the defaults.
func NewCSRFManager(lifetime, grace time.Duration) *CSRFManager {
	if lifetime <= 0 {
		lifetime = csrfLifetime
	}
	if grace <= 0 {
		grace = csrfGrace
	}
	m := &CSRFManager{lifetime: lifetime, grace: grace, now: time.Now}
	m.rotate()
	return m
}

// Token returns the current token, rotating first when the lifetime has
// passed.
func (m *CSRFManager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.now().Sub(m.rotatedAt) >= m.lifetime {
		m.rotate()
	}
	return m.current
}

// rotate must be called with the lock held (or before the manager is shared).
func (m *CSRFManager) rotate() {
	m.previous = m.current
	m.current = newToken()
	m.rotatedAt = m.now()
}

// Validate accepts the current token, or the previous one inside the grace
// window after a rotation. Comparison is constant time.
func (m *CSRFManager) Validate(token string) bool {
	if token == "" {
		return false
	}
	m.mu.Lock()
	if m.now().Sub(m.rotatedAt) >= m.lifetime {
		m.rotate()
	}
	current, previous := m.current, m.previous
	inGrace := m.now().Sub(m.rotatedAt) < m.grace
	m.mu.Unlock()

	if subtle.ConstantTimeCompare([]byte(token), []byte(current)) == 1 {
		return true
	}
	return inGrace && previous != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(previous)) == 1
}

// requestToken pulls the token from the header, a form field, or a
// csrf_token key in a JSON body. The JSON body is restored for the handler's
// own binding.
func requestToken(c *gin.Context) string {
	if token := c.GetHeader(csrfHeader); token != "" {
		return token
	}
	switch c.ContentType() {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		return c.PostForm(csrfFormField)
	case "application/json":
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return ""
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		var payload struct {
			Token string `json:"csrf_token"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return ""
		}
		return payload.Token
	}
	return ""
}

func newToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("csrf: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// CSRFMiddleware rejects state-changing requests without a valid token. Safe
// methods and exempt paths pass through.
func CSRFMiddleware(m *CSRFManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		for _, prefix := range csrfExempt {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		token := requestToken(c)
		if token == "" {
			fail(c, http.StatusForbidden, "CSRF validation failed", codeCSRFInvalid,
				"CSRF token missing")
			c.Abort()
			return
		}
		if !m.Validate(token) {
			fail(c, http.StatusForbidden, "CSRF validation failed", codeCSRFInvalid,
				"invalid or expired CSRF token")
			c.Abort()
			return
		}
		c.Next()
	}
}

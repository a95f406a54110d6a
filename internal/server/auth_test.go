package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSRFTokenShape(t *testing.T) {
	m := NewCSRFManager(0, 0)
	token := m.Token()
	assert.Len(t, token, 64)
	assert.Equal(t, token, m.Token(), "token is stable within its lifetime")
}

func TestCSRFValidate(t *testing.T) {
	m := NewCSRFManager(0, 0)
	assert.True(t, m.Validate(m.Token()))
	assert.False(t, m.Validate(""))
	assert.False(t, m.Validate("not-a-token"))
}

func TestCSRFRotationAndGraceWindow(t *testing.T) {
	now := time.Now()
	m := NewCSRFManager(0, 0)
	m.now = func() time.Time { return now }
	m.rotate()
	old := m.Token()

	// Cross the lifetime boundary; the next Token call rotates.
	now = now.Add(csrfLifetime + time.Second)
	fresh := m.Token()
	require.NotEqual(t, old, fresh)

	// Inside the grace window the previous token still validates.
	assert.True(t, m.Validate(old))
	assert.True(t, m.Validate(fresh))

	// After the grace window only the fresh token passes.
	now = now.Add(csrfGrace)
	assert.False(t, m.Validate(old))
	assert.True(t, m.Validate(fresh))
}

func TestCSRFPreviousTokenExpiresWithSecondRotation(t *testing.T) {
	now := time.Now()
	m := NewCSRFManager(0, 0)
	m.now = func() time.Time { return now }

	first := m.Token()
	now = now.Add(csrfLifetime + time.Second)
	_ = m.Token()
	now = now.Add(csrfLifetime + time.Second)
	third := m.Token()

	assert.False(t, m.Validate(first), "token two rotations old never validates")
	assert.True(t, m.Validate(third))
}

package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowAllAuthenticatesAndAuthorizesAnything(t *testing.T) {
	var gate Gate = AllowAll{}
	r := httptest.NewRequest("GET", "/", nil)

	p, err := gate.Authenticate(r)
	require.NoError(t, err)
	assert.True(t, gate.Authorize(p, "admin:access"))
}

func TestPrincipalHasChecksPermissionMap(t *testing.T) {
	p := Principal{Subject: "u1", Permissions: map[string]bool{"research:read": true}}
	assert.True(t, p.Has("research:read"))
	assert.False(t, p.Has("research:write"))
}

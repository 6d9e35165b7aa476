package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/pkg/schema"
)

var testConfig = Config{Secret: "test-secret", Issuer: "runway-test"}

func newPair(t *testing.T) (*Issuer, *Verifier) {
	t.Helper()
	iss, err := NewIssuer(testConfig)
	require.NoError(t, err)
	ver, err := NewVerifier(testConfig)
	require.NoError(t, err)
	return iss, ver
}

func TestIssueAndVerify(t *testing.T) {
	iss, ver := newPair(t)
	want := access.Principal{ID: "user-1", OrganizationID: "org-1", Role: access.RoleAdmin}

	token, err := iss.Issue(want, time.Minute)
	require.NoError(t, err)

	got, err := ver.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, &want, got)
}

func TestVerify_Rejects(t *testing.T) {
	iss, ver := newPair(t)
	p := access.Principal{ID: "user-1", Role: access.RoleMember}

	iss.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := iss.Issue(p, time.Minute)
	require.NoError(t, err)

	otherIss, err := NewIssuer(Config{Secret: "other-secret", Issuer: "runway-test"})
	require.NoError(t, err)
	forged, err := otherIss.Issue(p, time.Minute)
	require.NoError(t, err)

	wrongIssuer, err := NewIssuer(Config{Secret: "test-secret", Issuer: "someone-else"})
	require.NoError(t, err)
	foreign, err := wrongIssuer.Issue(p, time.Minute)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             access.RoleMember,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "runway-test"},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "owner",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "user-1", Issuer: "runway-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role: access.RoleSuperAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "user-1", Issuer: "runway-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"expired":      expired,
		"forged":       forged,
		"wrong issuer": foreign,
		"no expiry":    noExpiry,
		"bad role":     badRole,
		"alg none":     noneAlg,
		"garbage":      "not.a.token",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ver.Verify(token)
			assert.True(t, schema.HasCode(err, schema.ErrCodeUnauthenticated), "got %v", err)
		})
	}
}

func TestVerify_ExpiredMessage(t *testing.T) {
	iss, ver := newPair(t)
	iss.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := iss.Issue(access.Principal{ID: "u", Role: access.RoleMember}, time.Minute)
	require.NoError(t, err)

	_, err = ver.Verify(token)
	assert.Contains(t, err.Error(), "token expired")
}

func TestIssue_Validation(t *testing.T) {
	iss, _ := newPair(t)
	_, err := iss.Issue(access.Principal{Role: access.RoleMember}, 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	_, err = iss.Issue(access.Principal{ID: "u", Role: "root"}, 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Equal(t, defaultTTL, iss.ttl)
}

func TestEmptySecret(t *testing.T) {
	_, err := NewVerifier(Config{})
	assert.Error(t, err)
	_, err = NewIssuer(Config{})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	iss, ver := newPair(t)
	token, err := iss.Issue(access.Principal{ID: "user-1", OrganizationID: "org-1", Role: access.RoleMember}, time.Minute)
	require.NoError(t, err)

	e := echo.New()
	var seen *access.Principal
	h := Middleware(ver)(func(c echo.Context) error {
		seen = access.PrincipalFrom(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	})

	cases := []struct {
		name   string
		header string
		code   string
	}{
		{"valid", "Bearer " + token, ""},
		{"lowercase scheme", "bearer " + token, ""},
		{"missing", "", schema.ErrCodeUnauthenticated},
		{"basic", "Basic dXNlcjpwYXNz", schema.ErrCodeUnauthenticated},
		{"empty bearer", "Bearer ", schema.ErrCodeUnauthenticated},
		{"bad token", "Bearer abc", schema.ErrCodeUnauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tc.header)
			}
			err := h(e.NewContext(req, httptest.NewRecorder()))
			if tc.code != "" {
				assert.True(t, schema.HasCode(err, tc.code), "got %v", err)
				assert.Nil(t, seen)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, seen)
			assert.Equal(t, "user-1", seen.ID)
			assert.Equal(t, "org-1", seen.OrganizationID)
		})
	}
}

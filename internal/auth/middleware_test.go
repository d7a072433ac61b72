package auth

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sigeti/reports/internal/database"
	"github.com/sigeti/reports/internal/models"
	"gotest.tools/v3/assert"
)

func setup(t *testing.T) (*Authenticator, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "auth.db"))
	assert.NilError(t, err)
	a := NewAuthenticator(db, "test-secret", time.Hour)
	assert.NilError(t, a.EnsureAdmin("admin", "s3cret"))

	viewer := models.User{Username: "viewer", Role: models.RoleViewer, IsActive: true}
	assert.NilError(t, viewer.SetPassword("view"))
	assert.NilError(t, db.Create(&viewer).Error)

	r := gin.New()
	g := r.Group("/", a.Middleware())
	g.GET("/read", RequirePermission("view_reports"), func(c *gin.Context) { c.Status(http.StatusOK) })
	g.GET("/smtp", RequirePermission("manage_smtp"), func(c *gin.Context) { c.Status(http.StatusOK) })
	return a, r
}

func call(r *gin.Engine, path, token string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestLoginAndPermissions(t *testing.T) {
	a, r := setup(t)

	_, _, err := a.Login("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	admin, _, err := a.Login("admin", "s3cret")
	assert.NilError(t, err)
	viewer, user, err := a.Login("viewer", "view")
	assert.NilError(t, err)
	assert.Equal(t, user.Role, models.RoleViewer)

	assert.Equal(t, call(r, "/read", ""), http.StatusUnauthorized)
	assert.Equal(t, call(r, "/read", "garbage"), http.StatusUnauthorized)
	assert.Equal(t, call(r, "/read", viewer), http.StatusOK)
	assert.Equal(t, call(r, "/smtp", viewer), http.StatusForbidden)
	assert.Equal(t, call(r, "/smtp", admin), http.StatusOK)
}

func TestExpiredToken(t *testing.T) {
	a, r := setup(t)
	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err := a.Login("admin", "s3cret")
	assert.NilError(t, err)
	assert.Equal(t, call(r, "/read", token), http.StatusUnauthorized)
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	a, _ := setup(t)
	assert.NilError(t, a.EnsureAdmin("other", "pw"))
	_, _, err := a.Login("other", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"campaign-dialer/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, account, role string, allowed ...string) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", account, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	handlers = append(handlers, Chain(allowed...)...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serve(t, "a", RoleSuperAdmin, RoleOwner); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AgentDeniedOperatorRoutes(t *testing.T) {
	if code := serve(t, "a", RoleAgent, OperatorRoles...); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(t, "a", RoleAgent, ViewerRoles...); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAccount(t *testing.T) {
	if code := serve(t, "", RoleOwner, RoleOwner); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

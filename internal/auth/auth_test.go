package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"survey-bot/internal/auth"
	"survey-bot/internal/models"
	"survey-bot/internal/testutil"

	"github.com/dgrijalva/jwt-go"
)

func setup(t *testing.T) (*auth.Service, map[models.Role]*models.Account) {
	t.Helper()
	db := testutil.DB(t)
	accounts := map[models.Role]*models.Account{}
	for i, role := range []models.Role{models.RoleAdmin, models.RoleTeacher, models.RoleStudent} {
		account := &models.Account{ExternalID: int64(100 + i), Role: role}
		if err := db.Create(account).Error; err != nil {
			t.Fatalf("create account: %v", err)
		}
		accounts[role] = account
	}
	log := testutil.Logger(t)
	return auth.NewService(auth.NewRepository(db, log), "test-secret", time.Hour, log), accounts
}

func TestTokenExchange(t *testing.T) {
	service, accounts := setup(t)
	ctx := context.Background()
	teacher := accounts[models.RoleTeacher]

	key, err := service.IssueAPIKey(ctx, teacher)
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	if _, err := service.Token(ctx, teacher.ExternalID, "wrong"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := service.Token(ctx, 999, key); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown account, got %v", err)
	}

	token, err := service.Token(ctx, teacher.ExternalID, key)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	claims, err := service.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.AccountID != teacher.ID || claims.Role != models.RoleTeacher || claims.ExternalID != teacher.ExternalID {
		t.Fatalf("unexpected claims %+v", claims)
	}

	// A new key revokes the old one.
	if _, err := service.IssueAPIKey(ctx, teacher); err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	if _, err := service.Token(ctx, teacher.ExternalID, key); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected revoked key to fail, got %v", err)
	}
}

func TestStudentsCannotUseTheAPI(t *testing.T) {
	service, accounts := setup(t)
	if _, err := service.IssueAPIKey(context.Background(), accounts[models.RoleStudent]); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := service.Token(context.Background(), accounts[models.RoleStudent].ExternalID, "x"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials without a key, got %v", err)
	}
}

func TestParseTokenRejectsForeignSignature(t *testing.T) {
	service, _ := setup(t)
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		AccountID:      1,
		Role:           models.RoleAdmin,
		StandardClaims: jwt.StandardClaims{ExpiresAt: time.Now().Add(time.Hour).Unix()},
	})
	signed, err := forged.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := service.ParseToken(signed); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	service, accounts := setup(t)
	ctx := context.Background()
	admin := accounts[models.RoleAdmin]
	key, _ := service.IssueAPIKey(ctx, admin)
	token, err := service.Token(ctx, admin.ExternalID, key)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	var seen uint
	protected := auth.JWTMiddleware(service)(auth.RequireAuthor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.AccountIDFromContext(r.Context())
	})))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"bad format", "Token " + token, http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/polls", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("%s: expected %d, got %d", tt.name, tt.want, rec.Code)
		}
	}
	if seen != admin.ID {
		t.Fatalf("expected account %d in context, got %d", admin.ID, seen)
	}

	rec := httptest.NewRecorder()
	auth.RequireAuthor(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without role, got %d", rec.Code)
	}
}

func TestTokenHandler(t *testing.T) {
	service, accounts := setup(t)
	admin := accounts[models.RoleAdmin]
	key, _ := service.IssueAPIKey(context.Background(), admin)
	h := auth.NewHandler(service)

	body := `{"account_id":100,"api_key":"` + key + `"}`
	rec := httptest.NewRecorder()
	h.Token(rec, httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(body)))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"token"`) {
		t.Fatalf("expected token, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.Token(rec, httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(`{"account_id":100,"api_key":"nope"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareUsesCurrentRole(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	service := auth.NewService(auth.NewRepository(db, log), "test-secret", time.Hour, log)
	ctx := context.Background()

	teacher := &models.Account{ExternalID: 200, Role: models.RoleTeacher}
	if err := db.Create(teacher).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	key, _ := service.IssueAPIKey(ctx, teacher)
	token, err := service.Token(ctx, teacher.ExternalID, key)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	protected := auth.JWTMiddleware(service)(auth.RequireAuthor(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})))
	call := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/polls", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call(); code != http.StatusOK {
		t.Fatalf("expected 200 before demotion, got %d", code)
	}
	if err := db.Model(teacher).Update("role", models.RoleStudent).Error; err != nil {
		t.Fatalf("demote: %v", err)
	}
	if code := call(); code != http.StatusForbidden {
		t.Fatalf("expected 403 after demotion, got %d", code)
	}
	if err := db.Delete(&models.Account{}, teacher.ID).Error; err != nil {
		t.Fatalf("delete: %v", err)
	}
	if code := call(); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after deletion, got %d", code)
	}
}

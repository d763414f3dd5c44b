package hackatime

import (
	"net/http"
	"testing"
	"time"
)

func TestJWTAuth_GenerateToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	userID := int64(123)
	machine := "laptop-1"
	duration := time.Hour

	token, err := jwtAuth.GenerateToken(userID, machine, duration)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if token == "" {
		t.Error("Generated token should not be empty")
	}

	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}

	if claims.Machine != machine {
		t.Errorf("Expected machine %s, got %s", machine, claims.Machine)
	}

	if claims.Subject != "123" {
		t.Errorf("Expected sub 123, got %s", claims.Subject)
	}

	if claims.ExpiresAt == nil {
		t.Error("Token should have expiration time")
	}

	expectedExpiry := time.Now().Add(duration)
	actualExpiry := claims.ExpiresAt.Time
	if actualExpiry.Sub(expectedExpiry).Abs() > time.Second {
		t.Errorf("Token expiry time differs by more than 1 second: expected ~%v, got %v", expectedExpiry, actualExpiry)
	}
}

func TestJWTAuth_ValidateToken_WrongSecret(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken(1, "m", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	other := NewJWTAuth("different-secret")
	if _, err := other.ValidateToken(token); err == nil {
		t.Error("Token signed with a different secret should not validate")
	}
}

func TestJWTAuth_ValidateToken_Expired(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken(1, "m", -time.Minute)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if _, err := jwtAuth.ValidateToken(token); err == nil {
		t.Error("Expired token should not validate")
	}
}

func TestJWTAuth_GetUserID(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken(42, "m", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/users/current/heartbeats", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	userID, err := jwtAuth.GetUserID(req)
	if err != nil {
		t.Fatalf("Failed to extract user id: %v", err)
	}
	if userID != 42 {
		t.Errorf("Expected user id 42, got %d", userID)
	}

	req.Header.Set("Authorization", "Basic abc")
	if _, err := jwtAuth.GetUserID(req); err == nil {
		t.Error("Non-bearer authorization should be rejected")
	}

	req.Header.Del("Authorization")
	if _, err := jwtAuth.GetUserID(req); err == nil {
		t.Error("Missing authorization header should be rejected")
	}
}

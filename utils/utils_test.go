package utils

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestIsObjectIDValid(t *testing.T) {
	if !IsObjectIDValid("0401fc662e3bc87a41f299a907c056aaf8322a27") {
		t.Errorf("valid object id rejected")
	}
	if IsObjectIDValid("0401FC662E3BC87A41F299A907C056AAF8322A27") || IsObjectIDValid("0401fc") {
		t.Errorf("invalid object id accepted")
	}
	if !IsValidUUID("b1f2ad61-9164-418a-a47f-ab805dbd5694") || IsValidUUID("not-a-uuid") {
		t.Errorf("IsValidUUID() is wrong")
	}
}

func TestSeahubJWTToken(t *testing.T) {
	token, err := GenSeahubJWTToken("secret")
	if err != nil {
		t.Fatalf("failed to gen token: %v", err)
	}
	if err := ValidateSeahubJWTToken(token, "secret"); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
	if err := ValidateSeahubJWTToken(token, "other"); err == nil {
		t.Errorf("token signed with another key accepted")
	}

	expired, err := GenRepoJWTToken("repo", "", "secret", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("failed to gen token: %v", err)
	}
	if err := ValidateSeahubJWTToken(expired, "secret"); err == nil {
		t.Errorf("expired token accepted")
	}
}

func TestHttpCommon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/fail") {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error_msg": "permission denied"}`))
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	status, body, err := HttpCommonWithContext(context.Background(), http.DefaultClient, "POST", srv.URL+"/ok", nil, strings.NewReader("{}"))
	if err != nil || status != http.StatusOK || string(body) != `{"ok": true}` {
		t.Errorf("HttpCommonWithContext() = %d, %s, %v", status, body, err)
	}

	status, body, err = HttpCommonWithContext(context.Background(), http.DefaultClient, "POST", srv.URL+"/fail", map[string][]string{}, nil)
	if err == nil || status != http.StatusForbidden || string(body) != "permission denied" {
		t.Errorf("HttpCommonWithContext() = %d, %s, %v", status, body, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Token abc")
	if token := GetAuthorizationToken(header); token != "abc" {
		t.Errorf("GetAuthorizationToken() = %q", token)
	}
}

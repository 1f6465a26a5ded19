package security

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSSRFGuard_ValidateURL(t *testing.T) {
	guard := NewSSRFGuard(false)

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com", false},
		{"http://blog.example.org/feed", false},
		{"http://10.0.0.1/feed", true},
		{"http://172.16.0.1/feed", true},
		{"http://192.168.1.100/feed", true},
		{"http://127.0.0.1/feed", true},
		{"http://localhost/feed", true},
		{"http://169.254.169.254/latest/meta-data/", true},
		{"http://[::1]/feed", true},
		{"http://0.0.0.0/feed", true},
		{"", true},
		{"not-a-url", true},
		{"ftp://example.com/feed", true},
		{"file:///etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestSSRFGuard_AllowPrivate(t *testing.T) {
	guard := NewSSRFGuard(true)
	if err := guard.ValidateURL("http://127.0.0.1:8080/feed"); err != nil {
		t.Errorf("プライベートネットワーク許可時に拒否された: %v", err)
	}
	if err := guard.ValidateURL("ftp://127.0.0.1/feed"); err == nil {
		t.Error("許可されていないスキームが通過した")
	}
}

func TestSSRFGuard_NewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard(false).NewSafeClient(5*time.Second, 1024)
	if client.Timeout != 5*time.Second {
		t.Errorf("タイムアウトが反映されていない: %v", client.Timeout)
	}
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("ループバックへのリクエストがブロックされていない")
	}
}

func TestSSRFGuard_ResponseSizeLimit(t *testing.T) {
	body := strings.Repeat("x", 64)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Content-Lengthを付けずに送る
		w.(http.Flusher).Flush()
		io.WriteString(w, body)
	}))
	defer ts.Close()

	tests := []struct {
		name    string
		limit   int64
		wantErr bool
	}{
		{"上限ちょうどは読める", 64, false},
		{"上限超過はエラー", 63, true},
		{"上限なし", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewSSRFGuard(true).NewSafeClient(5*time.Second, tt.limit)
			resp, err := client.Get(ts.URL)
			if err != nil {
				t.Fatalf("リクエストに失敗: %v", err)
			}
			defer resp.Body.Close()
			got, err := io.ReadAll(resp.Body)
			if tt.wantErr {
				if !errors.Is(err, ErrResponseTooLarge) {
					t.Errorf("ErrResponseTooLargeが返されていない: %v", err)
				}
				return
			}
			if err != nil || string(got) != body {
				t.Errorf("ボディを読めない: %v (%d bytes)", err, len(got))
			}
		})
	}
}

func TestSSRFGuard_ContentLengthOverLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer ts.Close()

	client := NewSSRFGuard(true).NewSafeClient(5*time.Second, 10)
	_, err := client.Get(ts.URL)
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("Content-Length超過でエラーにならない: %v", err)
	}
}

package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pawnx/errors"
)

func TestNewSaferClient(t *testing.T) {
	client := NewSaferClient(30 * time.Second)

	assert.Equal(t, 30*time.Second, client.Timeout)
	assert.Equal(t, 10, client.maxRedirects)
	assert.True(t, client.blockPrivateIP)

	open := NewSaferClient(time.Second, AllowPrivateNetworks(), WithMaxRedirects(2), WithSchemes("https"))
	assert.False(t, open.blockPrivateIP)
	assert.Equal(t, 2, open.maxRedirects)
	assert.Equal(t, []string{"https"}, open.allowedSchemes)
}

func TestValidateURL(t *testing.T) {
	client := NewSaferClient(30 * time.Second)

	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{name: "https allowed", url: "https://prices.example.com/v1/xau"},
		{name: "file scheme blocked", url: "file:///etc/passwd", errContains: "scheme"},
		{name: "userinfo blocked", url: "http://evil.com@localhost/", errContains: "userinfo"},
		{name: "localhost blocked", url: "http://localhost:8080/", errContains: "localhost"},
		{name: "loopback blocked", url: "http://127.0.0.1/", errContains: "private IP"},
		{name: "rfc1918 blocked", url: "http://10.1.2.3/", errContains: "private IP"},
		{name: "ipv6 loopback blocked", url: "http://[::1]/", errContains: "private IP"},
		{name: "missing host", url: "http:///path", errContains: "hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ValidateURL(tt.url)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	for ip, want := range map[string]bool{
		"10.0.0.1":    true,
		"172.16.5.4":  true,
		"192.168.1.1": true,
		"169.254.1.1": true,
		"0.1.2.3":     true,
		"250.0.0.1":   true,
		"fd00::1":     true,
		"2001:db8::1": true,
		"8.8.8.8":     false,
		"2606:4700::": false,
	} {
		assert.Equal(t, want, isPrivateIP(net.ParseIP(ip)), ip)
	}
}

func TestDoJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "abc", r.Header.Get("Idempotency-Key"))
			w.Write([]byte(`{"tx_id":"0.0.9@1"}`))
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("BUSY"))
		}
	}))
	defer server.Close()

	client := NewSaferClient(5*time.Second, AllowPrivateNetworks())

	var out struct {
		TxID string `json:"tx_id"`
	}
	headers := http.Header{"Idempotency-Key": []string{"abc"}}
	require.NoError(t, client.DoJSON(context.Background(), http.MethodPost, server.URL+"/ok", headers, map[string]int{"n": 1}, &out))
	assert.Equal(t, "0.0.9@1", out.TxID)

	err := client.DoJSON(context.Background(), http.MethodGet, server.URL+"/busy", nil, nil, nil)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, "BUSY", statusErr.Body)
}

func TestDoBlocksLoopbackByDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = NewSaferClient(time.Second).Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSRF protection")
}

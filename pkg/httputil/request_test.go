package httputil

import (
	"net/http/httptest"
	"testing"
)

func TestQueryParam(t *testing.T) {
	tests := []struct {
		name         string
		url          string
		key          string
		defaultValue string
		want         string
	}{
		{"present", "/?feed=orders", "feed", "default", "orders"},
		{"missing", "/", "feed", "default", "default"},
		{"empty value", "/?feed=", "feed", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.url, nil)
			if got := QueryParam(req, tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("QueryParam() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQueryParamInt(t *testing.T) {
	tests := []struct {
		name         string
		url          string
		defaultValue int
		want         int
	}{
		{"valid", "/?buffer=32", 8, 32},
		{"negative", "/?buffer=-1", 8, -1},
		{"invalid", "/?buffer=lots", 8, 8},
		{"trailing garbage", "/?buffer=12abc", 8, 8},
		{"missing", "/", 8, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.url, nil)
			if got := QueryParamInt(req, "buffer", tt.defaultValue); got != tt.want {
				t.Errorf("QueryParamInt() = %d, want %d", got, tt.want)
			}
		})
	}
}

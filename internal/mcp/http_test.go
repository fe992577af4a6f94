package mcp

import "testing"

func TestNewHTTPTransport_DefaultMaxResponseBytes(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{URL: "http://localhost:9"})
	if tr.maxRespBytes != defaultMaxResponseBytes {
		t.Errorf("maxRespBytes = %d, want %d", tr.maxRespBytes, defaultMaxResponseBytes)
	}
}

func TestNewHTTPTransport_CustomMaxResponseBytes(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{URL: "http://localhost:9", MaxResponseBytes: 1024})
	if tr.maxRespBytes != 1024 {
		t.Errorf("maxRespBytes = %d, want 1024", tr.maxRespBytes)
	}
}

func TestNewHTTPTransport_Close(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{URL: "http://localhost:9"})
	if err := tr.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

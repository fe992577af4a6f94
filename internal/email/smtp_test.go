package email

import (
	"net/smtp"
	"testing"

	"github.com/emersion/go-sasl"
)

func TestSaslAuth_Start(t *testing.T) {
	auth := saslAuth{sasl.NewPlainClient("", "user@example.com", "hunter2")}

	mech, ir, err := auth.Start(&smtp.ServerInfo{Name: "smtp.example.com", TLS: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if mech != "PLAIN" {
		t.Errorf("mech = %q, want PLAIN", mech)
	}
	if len(ir) == 0 {
		t.Error("expected non-empty initial response for PLAIN")
	}
}

func TestSaslAuth_NextWithoutMore(t *testing.T) {
	auth := saslAuth{sasl.NewPlainClient("", "user@example.com", "hunter2")}

	resp, err := auth.Next([]byte("ignored"), false)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if resp != nil {
		t.Errorf("Next(more=false) = %v, want nil", resp)
	}
}

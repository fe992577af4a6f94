package email

import "testing"

func TestEnvelope_Defaults(t *testing.T) {
	var env Envelope
	if env.UID != 0 {
		t.Errorf("zero-value UID should be 0, got %d", env.UID)
	}
	if env.From != "" {
		t.Errorf("zero-value From should be empty, got %q", env.From)
	}
	if len(env.Flags) != 0 {
		t.Errorf("zero-value Flags should be nil, got %v", env.Flags)
	}
}

func TestExtractAddress(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"name and address", "Jane Doe <jane@example.com>", "jane@example.com"},
		{"bare address", "jane@example.com", "jane@example.com"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractAddress(tt.in); got != tt.want {
				t.Errorf("extractAddress(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

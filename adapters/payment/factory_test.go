package payment

import "testing"

func TestNewCollector(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{"stripe", Config{Provider: "stripe", Stripe: StripeConfig{SecretKey: "sk_test"}}, "stripe", false},
		{"stripe without key", Config{Provider: "stripe"}, "", true},
		{"dummy", Config{Provider: "dummy"}, "dummy", false},
		{"test alias", Config{Provider: "test"}, "dummy", false},
		{"none", Config{Provider: "none"}, "none", false},
		{"empty", Config{}, "none", false},
		{"unknown", Config{Provider: "paypal"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCollector(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Name() != tt.wantName {
				t.Errorf("Name() = %s, want %s", c.Name(), tt.wantName)
			}
		})
	}
}

package enroll

import "testing"

func TestDeriveESTBaseURL(t *testing.T) {
	tests := []struct {
		name   string
		caURL  string
		want   string
	}{
		{
			name:  "native PKI port rewritten to EST port",
			caURL: "https://ca.example.com:9000",
			want:  "https://ca.example.com:8443/.well-known/est",
		},
		{
			name:  "non-native port gets the well-known path appended",
			caURL: "https://ca.example.com:8443",
			want:  "https://ca.example.com:8443/.well-known/est",
		},
		{
			name:  "already has the well-known path",
			caURL: "https://ca.example.com:8443/.well-known/est",
			want:  "https://ca.example.com:8443/.well-known/est",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := deriveESTBaseURL(tt.caURL)
			if err != nil {
				t.Fatalf("deriveESTBaseURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("deriveESTBaseURL(%q) = %q, want %q", tt.caURL, got, tt.want)
			}
		})
	}
}

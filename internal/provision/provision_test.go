package provision

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tum-esm/edge-gateway/internal/config"
)

func TestExistingTokenIsReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("tok_abc"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := GetAccessToken(&config.Config{AccessTokenPath: path}, zerolog.Nop())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if res.AccessToken != "tok_abc" {
		t.Errorf("token = %q, want tok_abc", res.AccessToken)
	}
	if res.Provisioned {
		t.Error("Provisioned = true for a persisted token")
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "success",
			raw:  `{"status":"SUCCESS","credentialsType":"ACCESS_TOKEN","credentialsValue":"tok_abc"}`,
			want: "tok_abc",
		},
		{
			name:    "failure_status",
			raw:     `{"status":"FAILURE","errorMsg":"unknown device key"}`,
			wantErr: true,
		},
		{
			name:    "wrong_credentials_type",
			raw:     `{"status":"SUCCESS","credentialsType":"X509","credentialsValue":"cert"}`,
			wantErr: true,
		},
		{
			name:    "missing_value",
			raw:     `{"status":"SUCCESS","credentialsType":"ACCESS_TOKEN"}`,
			wantErr: true,
		},
		{
			name:    "invalid_json",
			raw:     `nope`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseReply([]byte(tt.raw), zerolog.Nop())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseReply: %v", err)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeviceName(t *testing.T) {
	cfg := &config.Config{DeviceName: "greenhouse-7"}
	if got := deviceName(cfg); got != "greenhouse-7" {
		t.Errorf("deviceName = %q, want greenhouse-7", got)
	}
	// Without an explicit name the hostname (or a generated fallback) is used.
	if got := deviceName(&config.Config{}); got == "" {
		t.Error("deviceName returned empty string")
	}
}

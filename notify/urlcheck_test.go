package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		name           string
		url            string
		allowLocalhost bool
		allowPrivate   bool
		wantErr        bool
	}{
		{name: "public https ip", url: "https://8.8.8.8/hook"},
		{name: "empty url", url: "", wantErr: true},
		{name: "bad scheme", url: "ftp://example.com/hook", wantErr: true},
		{name: "missing host", url: "https:///hook", wantErr: true},
		{name: "http blocked by default", url: "http://8.8.8.8/hook", wantErr: true},
		{name: "http allowed in dev posture", url: "http://8.8.8.8/hook", allowLocalhost: true},
		{name: "localhost blocked by default", url: "https://localhost/hook", wantErr: true},
		{name: "localhost allowed with flag", url: "https://localhost:9000/hook", allowLocalhost: true},
		{name: "localhost subdomain blocked", url: "https://api.localhost/hook", wantErr: true},
		{name: "loopback ip blocked by default", url: "https://127.0.0.1/hook", wantErr: true},
		{name: "loopback ip allowed with flag", url: "https://127.0.0.1/hook", allowLocalhost: true},
		{name: "private ip blocked by default", url: "https://10.0.0.5/hook", wantErr: true},
		{name: "private ip allowed with flag", url: "https://10.0.0.5/hook", allowPrivate: true},
		{name: "172 range blocked by default", url: "https://172.16.0.1/hook", wantErr: true},
		{name: "192.168 range blocked by default", url: "https://192.168.1.10/hook", wantErr: true},
		{name: "aws metadata blocked despite flags", url: "https://169.254.169.254/latest/meta-data/", allowLocalhost: true, allowPrivate: true, wantErr: true},
		{name: "alibaba metadata blocked despite flags", url: "https://100.100.100.200/latest", allowLocalhost: true, allowPrivate: true, wantErr: true},
		{name: "link local blocked despite flags", url: "https://169.254.1.1/hook", allowLocalhost: true, allowPrivate: true, wantErr: true},
		{name: "unspecified blocked despite flags", url: "https://0.0.0.0/hook", allowLocalhost: true, allowPrivate: true, wantErr: true},
		{name: "multicast blocked despite flags", url: "https://224.0.0.1/hook", allowLocalhost: true, allowPrivate: true, wantErr: true},
		{name: "test net blocked", url: "https://192.0.2.10/hook", wantErr: true},
		{name: "benchmark range blocked", url: "https://198.18.0.1/hook", wantErr: true},
		{name: "reserved 240 range blocked", url: "https://240.1.1.1/hook", wantErr: true},
		{name: "ipv6 loopback blocked by default", url: "https://[::1]/hook", wantErr: true},
		{name: "ipv6 loopback allowed with flag", url: "https://[::1]/hook", allowLocalhost: true},
		{name: "ipv6 ula blocked by default", url: "https://[fc00::1]/hook", wantErr: true},
		{name: "ipv6 ula allowed with flag", url: "https://[fc00::1]/hook", allowPrivate: true},
		{name: "ipv6 link local blocked despite flags", url: "https://[fe80::1]/hook", allowLocalhost: true, allowPrivate: true, wantErr: true},
		{name: "unresolvable host fails closed", url: "https://chimera-webhook.invalid/hook", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWebhookURL(tt.url, tt.allowLocalhost, tt.allowPrivate)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateWebhookURLErrorMentionsReason(t *testing.T) {
	err := ValidateWebhookURL("https://169.254.169.254/latest", true, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "link-local")

	err = ValidateWebhookURL("https://10.1.2.3/hook", false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private")
}

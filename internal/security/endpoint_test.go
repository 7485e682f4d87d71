package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticResolver map[string][]string

func (r staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestEndpointValidator(t *testing.T) {
	v := NewEndpointValidator(staticResolver{
		"hooks.example.com":    {"93.184.216.34"},
		"internal.example.com": {"93.184.216.34", "10.0.0.5"},
	})

	tests := []struct {
		url     string
		allowed bool
	}{
		{"https://hooks.example.com/settlement", true},
		{"http://93.184.216.34/hook", true},
		{"https://internal.example.com/hook", false},
		{"https://unknown.example.com/hook", false},
		{"https://localhost/hook", false},
		{"http://127.0.0.1:8080/hook", false},
		{"http://192.168.1.10/hook", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://[::1]/hook", false},
		{"http://0.0.0.0/hook", false},
		{"ftp://hooks.example.com/hook", false},
		{"https:///nohost", false},
		{"::not a url", false},
	}

	for _, tc := range tests {
		t.Run(tc.url, func(t *testing.T) {
			err := v.Validate(context.Background(), tc.url)
			if tc.allowed {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrBlockedEndpoint), "got %v", err)
		})
	}
}

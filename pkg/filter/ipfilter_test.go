// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filter

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestNewIPFilterParsing(t *testing.T) {
	t.Parallel()

	f, err := NewIPFilter("10.0.0.1, 192.168.0.0/16")
	require.NoError(t, err)
	assert.True(t, f.Enabled())

	_, err = NewIPFilter("not-an-ip")
	require.Error(t, err)

	_, err = NewIPFilter("10.0.0.0/999")
	require.Error(t, err)

	f, err = NewIPFilter("")
	require.NoError(t, err)
	assert.False(t, f.Enabled())
}

func TestIPFilterMiddleware(t *testing.T) {
	t.Parallel()

	f, err := NewIPFilter("10.0.0.0/8, 203.0.113.7")
	require.NoError(t, err)
	handler := f.Middleware(okHandler())

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		wantStatus int
	}{
		{
			name:       "allowed by remote addr",
			remoteAddr: "10.1.2.3:4567",
			wantStatus: http.StatusOK,
		},
		{
			name:       "denied by remote addr",
			remoteAddr: "198.51.100.9:4567",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "cf-connecting-ip preferred",
			remoteAddr: "198.51.100.9:4567",
			headers:    map[string]string{"CF-Connecting-IP": "203.0.113.7"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "x-forwarded-for first hop",
			remoteAddr: "198.51.100.9:4567",
			headers:    map[string]string{"X-Forwarded-For": "10.9.8.7, 198.51.100.1"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "x-real-ip denied",
			remoteAddr: "10.1.2.3:4567",
			headers:    map[string]string{"X-Real-IP": "198.51.100.9"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "undeterminable address passes through",
			remoteAddr: "not-an-address",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestIPFilterDisabledPassesEverything(t *testing.T) {
	t.Parallel()

	f, err := NewIPFilter("")
	require.NoError(t, err)
	handler := f.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.RemoteAddr = "198.51.100.9:4567"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSenderSend(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverDelay    time.Duration
		timeout        time.Duration
		wantErr        bool
		errContains    string
	}{
		{
			name:           "successful request",
			serverResponse: http.StatusOK,
			timeout:        5 * time.Second,
		},
		{
			name:           "successful request with 202",
			serverResponse: http.StatusAccepted,
			timeout:        5 * time.Second,
		},
		{
			name:           "server returns 400",
			serverResponse: http.StatusBadRequest,
			timeout:        5 * time.Second,
			wantErr:        true,
			errContains:    "non-2xx status: 400",
		},
		{
			name:           "server returns 503",
			serverResponse: http.StatusServiceUnavailable,
			timeout:        5 * time.Second,
			wantErr:        true,
			errContains:    "non-2xx status: 503",
		},
		{
			name:           "timeout exceeded",
			serverResponse: http.StatusOK,
			serverDelay:    time.Second,
			timeout:        50 * time.Millisecond,
			wantErr:        true,
			errContains:    "context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody []byte
			var gotHeader http.Header
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotBody, _ = io.ReadAll(r.Body)
				gotHeader = r.Header.Clone()
				if tt.serverDelay > 0 {
					select {
					case <-time.After(tt.serverDelay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tt.serverResponse)
			}))
			defer srv.Close()

			err := NewHTTPSender().Send(context.Background(), srv.URL, map[string]string{"X-Gate": "north"}, []byte(`{"type":"insert"}`), tt.timeout)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, `{"type":"insert"}`, string(gotBody))
			assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
			assert.Equal(t, "north", gotHeader.Get("X-Gate"))
		})
	}
}

func TestHTTPSenderInvalidURL(t *testing.T) {
	err := NewHTTPSender().Send(context.Background(), "://bad", nil, nil, time.Second)
	assert.ErrorContains(t, err, "failed to create request")
}

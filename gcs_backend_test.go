package quipodb

import (
	"errors"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

func TestMapGCSError(t *testing.T) {
	other := errors.New("network reset")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"missing object", storage.ErrObjectNotExist, ErrNotFound},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden, Message: "denied"}, ErrUnauthorized},
		{"unauthorized", &googleapi.Error{Code: http.StatusUnauthorized}, ErrUnauthorized},
		{"unavailable", &googleapi.Error{Code: http.StatusServiceUnavailable}, ErrBackendUnavailable},
		{"rate limited", &googleapi.Error{Code: http.StatusTooManyRequests}, ErrBackendUnavailable},
		{"other", other, other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapGCSError(tt.err, "users/a.json")
			if tt.want == nil {
				if got != nil {
					t.Errorf("expected nil, got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/edgepub/internal/hashing"
	"github.com/danmuck/edgepub/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
			log.Debug().Str("stored", tc.stored).Str("input", tc.input).Err(err).Msg("auth/static-token")
		})
	}
}

func TestDigestTokenValidate(t *testing.T) {
	testlog.Start(t)
	hasher := hashing.NewBlake3(hashing.APIKeyDomain, 16)
	v := DigestToken{Hasher: hasher, Digest: hasher.Sum([]byte("operator-secret"))}

	if err := v.Validate("operator-secret"); err != nil {
		t.Fatalf("expected digest match, got %v", err)
	}
	for _, input := range []string{"", "operator-secreT", "other"} {
		if err := v.Validate(input); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected unauthorized for %q, got %v", input, err)
		}
	}
	if err := (DigestToken{}).Validate("x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unconfigured digest to deny, got %v", err)
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestRequestToken(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{name: "bearer", header: map[string]string{"Authorization": "Bearer abc"}, want: "abc"},
		{name: "bearer lowercase", header: map[string]string{"Authorization": "bearer  abc "}, want: "abc"},
		{name: "basic ignored", header: map[string]string{"Authorization": "Basic abc"}, want: ""},
		{name: "fallback header", header: map[string]string{"X-Edgepub-Admin-Token": "xyz"}, want: "xyz"},
		{name: "none", header: nil, want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/admin/commands", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			if got := RequestToken(req); got != tc.want {
				t.Fatalf("RequestToken()=%q want %q", got, tc.want)
			}
		})
	}
}

package api

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	valid, err := generateToken("ops", "s3cret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	expired, err := generateToken("ops", "s3cret", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}

	cases := []struct {
		name    string
		token   string
		secret  string
		wantErr bool
	}{
		{"valid", valid, "s3cret", false},
		{"wrong secret", valid, "other", true},
		{"expired", expired, "s3cret", true},
		{"garbage", "not.a.token", "s3cret", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op, err := parseToken(tc.token, tc.secret)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseToken err = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && op != "ops" {
				t.Fatalf("operator = %q", op)
			}
		})
	}
}

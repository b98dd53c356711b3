package provider

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"auth", Errorf(KindAuth, NameGmail, "list", "expired"), KindAuth},
		{"rate limited", Errorf(KindRateLimited, NameOutlook, "delta", "throttled"), KindRateLimited},
		{"wrapped", fmt.Errorf("outer: %w", Errorf(KindTransient, NameIMAP, "dial", "reset")), KindTransient},
		{"plain error", errors.New("plain"), 0},
		{"nil", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Errorf(KindRateLimited, NameGmail, "list", "slow down")) {
		t.Error("rate limited should be retryable")
	}
	if !Retryable(Errorf(KindTransient, NameIMAP, "dial", "reset")) {
		t.Error("transient should be retryable")
	}
	if Retryable(Errorf(KindAuth, NameGmail, "list", "expired")) {
		t.Error("auth should not be retryable in-place")
	}
	if Retryable(Errorf(KindProtocol, NameOutlook, "delta", "garbage")) {
		t.Error("protocol should not be retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Error("unclassified errors should not be retryable")
	}
}

func TestErrorMessageCarriesContext(t *testing.T) {
	err := Errorf(KindAuth, NameGmail, "messages.list", "status %d", 401)
	msg := err.Error()
	for _, want := range []string{"GMAIL", "messages.list", "auth", "401"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

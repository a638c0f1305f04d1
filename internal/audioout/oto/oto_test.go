package oto

import (
	"strings"
	"testing"
)

func TestNew_RejectsUnsupportedFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		rate, ch int
		want     string
	}{
		{"rate", 22050, 1, "sample rate"},
		{"channels", 48000, 6, "channels"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.rate, tc.ch)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

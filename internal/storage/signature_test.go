package storage

import (
	"strings"
	"testing"
)

func TestErrorSignature_StableAcrossVolatileFragments(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		a    string
		b    string
	}{
		{
			name: "timestamps",
			a:    "connection refused at 2026-08-24T10:15:30Z",
			b:    "connection refused at 2026-08-25T23:59:01Z",
		},
		{
			name: "uuids",
			a:    "order 550e8400-e29b-41d4-a716-446655440000 not found",
			b:    "order 123e4567-e89b-12d3-a456-426614174000 not found",
		},
		{
			name: "numeric ids",
			a:    "user 42 has no permission",
			b:    "user 98765 has no permission",
		},
		{
			name: "urls",
			a:    "GET https://api.example.com/users/42 failed",
			b:    "GET https://api.other.net/orders failed",
		},
		{
			name: "memory addresses",
			a:    "segfault at 0xdeadbeef",
			b:    "segfault at 0x00400f2a",
		},
		{
			name: "line numbers",
			a:    "assertion failed at line 120",
			b:    "assertion failed at line 7",
		},
		{
			name: "case and whitespace",
			a:    "Timeout   waiting for element",
			b:    "timeout waiting for element",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sigA := ErrorSignature(tt.a)
			sigB := ErrorSignature(tt.b)

			if sigA == "" || sigB == "" {
				t.Fatal("signatures should not be empty for non-empty messages")
			}

			if sigA != sigB {
				t.Errorf("signatures differ:\n  %q -> %s\n  %q -> %s", tt.a, sigA, tt.b, sigB)
			}
		})
	}
}

func TestErrorSignature_DistinctFailuresDiffer(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := ErrorSignature("connection refused")
	b := ErrorSignature("element not found")

	if a == b {
		t.Error("distinct failure messages should not collide")
	}
}

func TestErrorSignature_Empty(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := ErrorSignature(""); got != "" {
		t.Errorf("ErrorSignature(\"\") = %q, want empty", got)
	}

	if got := ErrorSignature("   "); got != "" {
		t.Errorf("ErrorSignature(whitespace) = %q, want empty", got)
	}
}

func TestNormalizeErrorMessage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "number placeholder",
			in:   "user 42 missing",
			want: "user <n> missing",
		},
		{
			name: "uuid placeholder",
			in:   "id 550e8400-e29b-41d4-a716-446655440000",
			want: "id <uuid>",
		},
		{
			name: "url placeholder",
			in:   "fetch https://api.example.com/users failed",
			want: "fetch <url> failed",
		},
		{
			name: "address placeholder",
			in:   "panic at 0xDEADBEEF",
			want: "panic at <addr>",
		},
		{
			name: "lowercased",
			in:   "Connection Refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeErrorMessage(tt.in)
			if got != tt.want {
				t.Errorf("NormalizeErrorMessage(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestErrorSignature_IsHex(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sig := ErrorSignature("boom")

	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64", len(sig))
	}

	if strings.ToLower(sig) != sig {
		t.Error("signature should be lowercase hex")
	}
}

package infra

import (
	"context"
	"testing"
)

func TestDevVerifier(t *testing.T) {
	tok, err := DevVerifier{}.VerifyIDToken(context.Background(), " rider-1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.UID != "rider-1" {
		t.Errorf("got uid=%q, want rider-1", tok.UID)
	}

	if _, err := (DevVerifier{}).VerifyIDToken(context.Background(), "  "); err == nil {
		t.Error("expected error for empty token")
	}
}

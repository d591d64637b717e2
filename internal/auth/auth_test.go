package auth

import (
	"strings"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	sessions := New("topsecret")

	token := sessions.Token("user-42")
	userID, err := sessions.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "user-42" {
		t.Errorf("userID = %q, want user-42", userID)
	}
}

func TestVerify_RejectsForgedToken(t *testing.T) {
	sessions := New("topsecret")
	other := New("different-secret")

	token := other.Token("user-42")
	if _, err := sessions.Verify(token); err != ErrInvalidToken {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	sessions := New("topsecret")

	token := sessions.Token("user-42")
	parts := strings.SplitN(token, ".", 2)
	tampered := sessions.Token("user-43")
	tamperedPayload := strings.SplitN(tampered, ".", 2)[0]

	if _, err := sessions.Verify(tamperedPayload + "." + parts[1]); err != ErrInvalidToken {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_RejectsMalformed(t *testing.T) {
	sessions := New("topsecret")

	for _, token := range []string{"", "nodot", ".", "a.b.c!!", "!!!.sig"} {
		if _, err := sessions.Verify(token); err != ErrInvalidToken {
			t.Errorf("Verify(%q) err = %v, want ErrInvalidToken", token, err)
		}
	}
}

package broker

import (
	"encoding/json"
	"errors"
	"testing"
)

func newTestCipher(t *testing.T) *SessionCipher {
	t.Helper()
	c, err := NewSessionCipher("state-test-secret", false, false)
	if err != nil {
		t.Fatalf("NewSessionCipher: %v", err)
	}
	return c
}

func TestRelayStateRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	encoded, err := EncodeRelayState(c, RelayState{
		State:     "csrf-token",
		ReturnTo:  "/dashboard",
		SessionID: "sid-1",
	})
	if err != nil {
		t.Fatalf("EncodeRelayState: %v", err)
	}

	rs, err := DecodeRelayState(c, encoded)
	if err != nil {
		t.Fatalf("DecodeRelayState: %v", err)
	}
	if rs.Version != relayStateVersion {
		t.Errorf("version = %d, want %d", rs.Version, relayStateVersion)
	}
	if rs.State != "csrf-token" || rs.ReturnTo != "/dashboard" || rs.SessionID != "sid-1" {
		t.Errorf("decoded = %+v", rs)
	}
}

func TestRelayStateStructuredReturnTo(t *testing.T) {
	c := newTestCipher(t)

	// A return path containing characters that would break a delimiter-joined
	// encoding must survive intact.
	encoded, err := EncodeRelayState(c, RelayState{
		State:    "csrf-token",
		ReturnTo: "/app/items?filter=a:b|c",
	})
	if err != nil {
		t.Fatalf("EncodeRelayState: %v", err)
	}
	rs, err := DecodeRelayState(c, encoded)
	if err != nil {
		t.Fatalf("DecodeRelayState: %v", err)
	}
	if rs.ReturnTo != "/app/items?filter=a:b|c" {
		t.Fatalf("return_to = %q", rs.ReturnTo)
	}
}

func TestDecodeRelayStateRejects(t *testing.T) {
	c := newTestCipher(t)

	seal := func(v any) string {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		sealed, err := c.Encrypt(raw)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		return sealed
	}

	cases := map[string]string{
		"empty":         "",
		"garbage":       "AAAAAAAAAAAAAAAAAAAAAA",
		"not json":      mustEncrypt(t, c, "not-json"),
		"wrong version": seal(RelayState{Version: 99, State: "s"}),
		"missing state": seal(map[string]any{"v": relayStateVersion, "return_to": "/x"}),
	}
	for name, input := range cases {
		if _, err := DecodeRelayState(c, input); !errors.Is(err, ErrInvalidState) {
			t.Errorf("%s: err = %v, want ErrInvalidState", name, err)
		}
	}
}

func TestDecodeRelayStateForeignCipher(t *testing.T) {
	a := newTestCipher(t)
	b, err := NewSessionCipher("other-secret", false, false)
	if err != nil {
		t.Fatalf("NewSessionCipher: %v", err)
	}

	encoded, err := EncodeRelayState(a, RelayState{State: "csrf-token"})
	if err != nil {
		t.Fatalf("EncodeRelayState: %v", err)
	}
	if _, err := DecodeRelayState(b, encoded); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("foreign cipher err = %v, want ErrInvalidState", err)
	}
}

func mustEncrypt(t *testing.T, c *SessionCipher, s string) string {
	t.Helper()
	sealed, err := c.Encrypt([]byte(s))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return sealed
}

package broker

import (
	"encoding/json"
	"fmt"
)

const relayStateVersion = 1

// RelayState is the structured state parameter round-tripped through the IdP
// redirect. It replaces the delimiter-joined composite string: the payload is
// versioned JSON sealed with the session cipher, so the callback recovers
// typed fields and an embedded delimiter in return_to cannot change parsing.
type RelayState struct {
	Version   int    `json:"v"`
	State     string `json:"state"`
	ReturnTo  string `json:"return_to"`
	SessionID string `json:"sid"`
}

// EncodeRelayState seals the relay state for use as the state query parameter.
func EncodeRelayState(c *SessionCipher, rs RelayState) (string, error) {
	rs.Version = relayStateVersion
	raw, err := json.Marshal(rs)
	if err != nil {
		return "", fmt.Errorf("marshal relay state: %w", err)
	}
	sealed, err := c.Encrypt(raw)
	if err != nil {
		return "", fmt.Errorf("seal relay state: %w", err)
	}
	return sealed, nil
}

// DecodeRelayState opens a state parameter produced by EncodeRelayState. Any
// decryption, parse, or version failure yields ErrInvalidState: an
// unverifiable state is indistinguishable from a forged one.
func DecodeRelayState(c *SessionCipher, encoded string) (RelayState, error) {
	if encoded == "" {
		return RelayState{}, ErrInvalidState
	}
	raw, err := c.Decrypt(encoded)
	if err != nil {
		return RelayState{}, ErrInvalidState
	}
	var rs RelayState
	if err := json.Unmarshal(raw, &rs); err != nil {
		return RelayState{}, ErrInvalidState
	}
	if rs.Version != relayStateVersion || rs.State == "" {
		return RelayState{}, ErrInvalidState
	}
	return rs, nil
}

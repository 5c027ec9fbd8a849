package types

import (
	"fmt"
	"strings"
)

// CredentialBundle is the opaque authentication material captured from a
// discovery session. It is never mutated after capture.
type CredentialBundle struct {
	Username string `json:"username"`
	AuthType int    `json:"auth_type"`
	AuthData []byte `json:"auth_data"`
}

// String renders the bundle without its secret blob so it is safe to log
func (b CredentialBundle) String() string {
	return fmt.Sprintf("CredentialBundle{username=%q auth_type=%d auth_data=<%d bytes redacted>}",
		b.Username, b.AuthType, len(b.AuthData))
}

// IsEmpty reports whether the bundle carries no secret material
func (b CredentialBundle) IsEmpty() bool {
	return len(b.AuthData) == 0
}

// ForwardCreds is the unit relayed from the capture side and held by the
// registry until a playback command claims it.
type ForwardCreds struct {
	DeviceName string           `json:"device_name"`
	Key        string           `json:"key"`
	Creds      CredentialBundle `json:"creds"`
}

// Validate checks the relay payload before it is stored
func (f *ForwardCreds) Validate() error {
	if strings.TrimSpace(f.Key) == "" {
		return fmt.Errorf("key is required")
	}
	if len(f.Key) > 64 {
		return fmt.Errorf("key must not exceed 64 characters")
	}
	if strings.TrimSpace(f.DeviceName) == "" {
		return fmt.Errorf("device_name is required")
	}
	if f.Creds.IsEmpty() {
		return fmt.Errorf("creds.auth_data is required")
	}
	return nil
}

// MsgHandle references a previously sent status message
type MsgHandle struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// IsZero reports whether the handle points at nothing
func (h MsgHandle) IsZero() bool {
	return h.ChannelID == "" && h.MessageID == ""
}

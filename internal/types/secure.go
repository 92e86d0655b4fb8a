package types

import "log/slog"

const redacted = "[redacted]"

// SecretString holds a credential such as the identity API key or a
// database URL. It prints, marshals and logs as "[redacted]"; call Unmask
// at the point the raw value is handed to a client.
type SecretString string

func (s SecretString) String() string { return redacted }

// GoString covers %#v.
func (s SecretString) GoString() string { return redacted }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// LogValue implements slog.LogValuer.
func (s SecretString) LogValue() slog.Value { return slog.StringValue(redacted) }

// Unmask returns the raw value.
func (s SecretString) Unmask() string { return string(s) }

// IsSet reports whether a value was configured.
func (s SecretString) IsSet() bool { return s != "" }

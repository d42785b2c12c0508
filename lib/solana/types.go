package solana

import (
	"bytes"
	"encoding/json"

	"github.com/mr-tron/base58"
	"golang.org/x/xerrors"
)

const PublicKeySize = 32

// PublicKey is an account address.
type PublicKey [PublicKeySize]byte

func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, xerrors.Errorf("decoding public key %q: %w", s, err)
	}
	if len(b) != PublicKeySize {
		return pk, xerrors.Errorf("public key %q decodes to %d bytes, want %d", s, len(b), PublicKeySize)
	}
	copy(pk[:], b)
	return pk, nil
}

func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	p, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = p
	return nil
}

// Base58Data is instruction data as returned by the "json" block encoding.
type Base58Data []byte

func (d *Base58Data) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return xerrors.Errorf("instruction data must be a base58 string: %w", err)
	}
	if s == "" {
		*d = Base58Data{}
		return nil
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return xerrors.Errorf("decoding instruction data: %w", err)
	}
	*d = raw
	return nil
}

func (d Base58Data) MarshalJSON() ([]byte, error) {
	return json.Marshal(base58.Encode(d))
}

// isNullJSON reports whether a raw JSON value is absent or null.
func isNullJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

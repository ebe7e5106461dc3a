package persona

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidRoleKey is returned when text does not name one of the two chat personas.
var ErrInvalidRoleKey = errors.New("invalid persona role key")

// RoleKey identifies which simulated character speaks in a chat turn. The set is
// closed: Owner and VeterinaryNurse are the only non-zero values, and the zero
// value means "no persona attached".
type RoleKey struct {
	key string
}

var (
	Owner           = RoleKey{key: "owner"}
	VeterinaryNurse = RoleKey{key: "veterinary-nurse"}
)

// RoleKeys lists the canonical keys in precedence order for tie-breaks.
func RoleKeys() []RoleKey {
	return []RoleKey{Owner, VeterinaryNurse}
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeLabel trims, lowercases and collapses non-alphanumeric runs to hyphens.
func NormalizeLabel(label string) string {
	normalized := strings.ToLower(strings.TrimSpace(label))
	normalized = nonAlnum.ReplaceAllString(normalized, "-")
	return strings.Trim(normalized, "-")
}

// ParseRoleKey accepts only the canonical spellings (after normalization).
func ParseRoleKey(raw string) (RoleKey, bool) {
	switch NormalizeLabel(raw) {
	case Owner.key:
		return Owner, true
	case VeterinaryNurse.key:
		return VeterinaryNurse, true
	default:
		return RoleKey{}, false
	}
}

// String returns the canonical key, or "" for the zero value.
func (k RoleKey) String() string {
	return k.key
}

// IsZero reports whether no persona is attached.
func (k RoleKey) IsZero() bool {
	return k.key == ""
}

// MarshalText implements encoding.TextMarshaler.
func (k RoleKey) MarshalText() ([]byte, error) {
	return []byte(k.key), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text yields the zero value.
func (k *RoleKey) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*k = RoleKey{}
		return nil
	}
	parsed, ok := ParseRoleKey(string(text))
	if !ok {
		return ErrInvalidRoleKey
	}
	*k = parsed
	return nil
}

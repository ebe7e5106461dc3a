package routing

import (
	"strings"

	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
)

type hintTable struct {
	key   persona.RoleKey
	hints []string
}

// hintTables is checked in order; owner hints win when both would match.
var hintTables = []hintTable{
	{key: persona.Owner, hints: []string{"owner", "client", "producer", "farmer", "guardian"}},
	{key: persona.VeterinaryNurse, hints: []string{"nurse", "technician", "tech", "assistant", "staff"}},
}

// OwnerHints returns the keywords that classify a label as the owner.
func OwnerHints() []string {
	return append([]string(nil), hintTables[0].hints...)
}

// NurseHints returns the keywords that classify a label as the veterinary nurse.
func NurseHints() []string {
	return append([]string(nil), hintTables[1].hints...)
}

// Classify maps a free-text stage role or display name to a persona key.
// The second result is false when nothing matched; that is a normal outcome.
func Classify(label string) (persona.RoleKey, bool) {
	if key, ok := persona.ParseRoleKey(label); ok {
		return key, true
	}

	lowered := strings.ToLower(strings.TrimSpace(label))
	if lowered == "" {
		return persona.RoleKey{}, false
	}

	for _, table := range hintTables {
		for _, hint := range table.hints {
			if strings.Contains(lowered, hint) {
				return table.key, true
			}
		}
	}
	return persona.RoleKey{}, false
}

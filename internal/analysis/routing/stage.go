package routing

import (
	"strings"

	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
	"github.com/vetosce/osce-tavern/backend/internal/model/scenario"
)

// stageRule matches when every allOf word is present and, if anyOf is set, at least one of anyOf.
type stageRule struct {
	allOf []string
	anyOf []string
	key   persona.RoleKey
}

// stageRules encode who the student should be talking to at each workflow step.
// Order matters: the first matching rule wins.
var stageRules = []stageRule{
	{allOf: []string{"history"}, key: persona.Owner},
	{allOf: []string{"physical"}, key: persona.VeterinaryNurse},
	{allOf: []string{"diagnostic", "planning"}, key: persona.Owner},
	{anyOf: []string{"laboratory", "lab", "tests", "test"}, key: persona.VeterinaryNurse},
	{allOf: []string{"treatment", "plan"}, key: persona.VeterinaryNurse},
	{allOf: []string{"communication"}, key: persona.Owner},
}

func (r stageRule) matches(lowered string) bool {
	for _, word := range r.allOf {
		if !strings.Contains(lowered, word) {
			return false
		}
	}
	if len(r.anyOf) == 0 {
		return len(r.allOf) > 0
	}
	for _, word := range r.anyOf {
		if strings.Contains(lowered, word) {
			return true
		}
	}
	return false
}

// FromStage resolves the default persona for a stage. It never returns the zero key.
func FromStage(stageRole, displayRole string) persona.RoleKey {
	lowered := strings.ToLower(stageRole)
	for _, rule := range stageRules {
		if rule.matches(lowered) {
			return rule.key
		}
	}

	if key, ok := Classify(stageRole); ok {
		return key
	}
	if key, ok := Classify(displayRole); ok {
		return key
	}
	return persona.VeterinaryNurse
}

// ForStage resolves a catalog stage by its title, falling back to its role label.
func ForStage(stage scenario.Stage) persona.RoleKey {
	return FromStage(stage.Title, stage.Role)
}

package ai

import (
	"fmt"
	"slices"
	"strings"

	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
	"github.com/vetosce/osce-tavern/backend/internal/model/scenario"
)

// PromptTemplate holds the fixed role-play rules for one persona.
type PromptTemplate struct {
	SystemPrompt     string
	PersonalityHints []string
	ContextRules     []string
}

// PromptBuilder renders system prompts from persona profiles and case context.
type PromptBuilder struct {
	templates map[persona.RoleKey]*PromptTemplate
}

// NewPromptBuilder creates a builder with the built-in owner and nurse templates.
func NewPromptBuilder() *PromptBuilder {
	b := &PromptBuilder{templates: make(map[persona.RoleKey]*PromptTemplate)}
	b.loadDefaultTemplates()
	return b
}

// Template returns the template for key.
func (b *PromptBuilder) Template(key persona.RoleKey) (*PromptTemplate, error) {
	template, exists := b.templates[key]
	if !exists {
		return nil, fmt.Errorf("prompt template not found for persona: %s", key)
	}
	return template, nil
}

// BuildSystemPrompt describes who the model plays, in which case and at which stage.
func (b *PromptBuilder) BuildSystemPrompt(profile persona.Profile, c scenario.Case, stage scenario.Stage) string {
	template, err := b.Template(profile.Key)
	if err != nil {
		return b.buildBasicSystemPrompt(profile, c, stage)
	}

	var sb strings.Builder
	sb.WriteString(template.SystemPrompt)
	fmt.Fprintf(&sb, "\n\nRole:\n- Name: %s\n- Title: %s\n- Tone: %s\n", profile.DisplayName, profile.Title, profile.Tone)
	if profile.PromptHint != "" {
		fmt.Fprintf(&sb, "- Guidance: %s\n", profile.PromptHint)
	}

	sb.WriteString("\nPersonality:\n- ")
	sb.WriteString(strings.Join(template.PersonalityHints, "\n- "))
	sb.WriteString("\n\nRules:\n- ")
	sb.WriteString(strings.Join(slices.Concat(template.ContextRules, profile.Boundaries), "\n- "))

	writeCase(&sb, c, stage)
	if brief := briefFor(profile.Key, c); brief != "" {
		fmt.Fprintf(&sb, "\n\nWhat you know (reveal only what is asked):\n%s", strings.TrimSpace(brief))
	}
	return sb.String()
}

func (b *PromptBuilder) buildBasicSystemPrompt(profile persona.Profile, c scenario.Case, stage scenario.Stage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, %s, in a veterinary OSCE role-play. Stay in character with a %s tone.",
		profile.DisplayName, profile.Title, profile.Tone)
	if profile.PromptHint != "" {
		fmt.Fprintf(&sb, " %s", profile.PromptHint)
	}
	writeCase(&sb, c, stage)
	return sb.String()
}

func writeCase(sb *strings.Builder, c scenario.Case, stage scenario.Stage) {
	if c.ID == "" {
		return
	}
	fmt.Fprintf(sb, "\n\nCase: %s (%s)\n%s", c.Title, c.Species, strings.TrimSpace(c.Summary))
	if stage.Title != "" {
		fmt.Fprintf(sb, "\nCurrent stage: %s", stage.Title)
		if stage.Brief != "" {
			fmt.Fprintf(sb, ". The student's task: %s", stage.Brief)
		}
	}
}

func briefFor(key persona.RoleKey, c scenario.Case) string {
	switch key {
	case persona.Owner:
		return c.OwnerBrief
	case persona.VeterinaryNurse:
		return c.NurseBrief
	default:
		return ""
	}
}

func (b *PromptBuilder) loadDefaultTemplates() {
	b.templates[persona.Owner] = &PromptTemplate{
		SystemPrompt: "You are the owner of the animal in a veterinary clinical examination. A veterinary student is consulting with you.",
		PersonalityHints: []string{
			"speak in plain, everyday language",
			"show concern for the animal and for cost when it comes up",
			"answer what you are asked and add little else",
		},
		ContextRules: []string{
			"you have no clinical training and cannot interpret test results",
			"if the student uses jargon, ask what it means",
			"keep replies to a few sentences",
		},
	}

	b.templates[persona.VeterinaryNurse] = &PromptTemplate{
		SystemPrompt: "You are the veterinary nurse assisting a veterinary student during a clinical examination. You also report laboratory results.",
		PersonalityHints: []string{
			"be concise and professional",
			"use correct units for every value you report",
		},
		ContextRules: []string{
			"report only the findings or results the student explicitly requests",
			"if a result is not in your notes, say it is not documented",
			"never list several findings as a table",
		},
	}
}

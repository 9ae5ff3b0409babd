// Package prompt builds bounded-size generation prompts from layered
// character context: persona, relationships, ranked knowledge/memory,
// and recent turn history.
package prompt

import (
	"strings"
	"unicode/utf8"

	"character-relay/internal/domain/model"
)

type Options struct {
	Budget           int
	MaxRelationships int
	MaxItems         int
	MinScore         float64
	MaxHistoryTurns  int
}

type Assembler struct {
	opts Options
	est  Estimator
}

func NewAssembler(opts Options, est Estimator) *Assembler {
	if est == nil {
		est = CharEstimator{Divisor: 4}
	}
	return &Assembler{opts: opts, est: est}
}

// Estimate reports the unit size of text under the configured estimator.
func (a *Assembler) Estimate(text string) int {
	return a.est.Estimate(text)
}

// Assemble builds the prompt for one generation. history is the turn
// list before the in-flight message; query is the new user text and is
// appended separately, never drawn from history.
//
// Blocks are emitted in fixed order and trimmed in fixed order when the
// estimate exceeds the budget: oldest history first, then lowest-ranked
// knowledge/memory items, then the profile's free-text fields. The
// persona identity line is never dropped.
func (a *Assembler) Assemble(profile *model.CharacterProfile, requesterID string, history []model.Turn, query string) (string, error) {
	if err := profile.Validate(); err != nil {
		return "", err
	}

	rels := selectRelationships(profile.Relationships, requesterID, a.opts.MaxRelationships)

	cands := make([]candidate, 0, len(profile.Knowledge)+len(profile.Memories))
	for _, k := range profile.Knowledge {
		cands = append(cands, candidate{text: k.Text, confidence: k.Confidence, createdAt: k.CreatedAt})
	}
	for _, m := range profile.Memories {
		cands = append(cands, candidate{text: m.Text, confidence: m.Confidence, createdAt: m.CreatedAt})
	}
	items := rank(query, cands, a.opts.MinScore, a.opts.MaxItems)

	hist := history
	if a.opts.MaxHistoryTurns > 0 && len(hist) > a.opts.MaxHistoryTurns {
		hist = hist[len(hist)-a.opts.MaxHistoryTurns:]
	}

	traits := profile.Traits
	situation := profile.Situation

	render := func() string {
		return a.render(profile.Name, traits, situation, rels, items, hist, query)
	}

	out := render()
	for a.opts.Budget > 0 && a.est.Estimate(out) > a.opts.Budget {
		switch {
		case len(hist) > 0:
			hist = hist[1:]
		case len(items) > 0:
			items = items[:len(items)-1]
		case len(traits) > 0 || len(situation) > 0:
			traits = halve(traits)
			situation = halve(situation)
		default:
			// Only the identity line and the query remain.
			return out, nil
		}
		out = render()
	}
	return out, nil
}

func (a *Assembler) render(name, traits, situation string, rels []model.RelationshipEntry, items []candidate, hist []model.Turn, query string) string {
	var sb strings.Builder

	sb.WriteString("You are ")
	sb.WriteString(name)
	sb.WriteString(". Stay in character at all times.\n")
	if traits != "" {
		sb.WriteString("Traits: ")
		sb.WriteString(traits)
		sb.WriteByte('\n')
	}
	if situation != "" {
		sb.WriteString("Current situation: ")
		sb.WriteString(situation)
		sb.WriteByte('\n')
	}

	if len(rels) > 0 {
		sb.WriteString("\nRelationships:\n")
		for _, r := range rels {
			sb.WriteString("- ")
			sb.WriteString(r.Description)
			sb.WriteByte('\n')
		}
	}

	if len(items) > 0 {
		sb.WriteString("\nWhat you remember and know:\n")
		for _, it := range items {
			sb.WriteString("- ")
			sb.WriteString(it.text)
			sb.WriteByte('\n')
		}
	}

	if len(hist) > 0 {
		sb.WriteString("\nConversation so far:\n")
		for _, t := range hist {
			sb.WriteString(speaker(name, t.Role))
			sb.WriteString(": ")
			sb.WriteString(t.Text)
			sb.WriteByte('\n')
		}
	}

	sb.WriteString("\nUser: ")
	sb.WriteString(query)
	sb.WriteByte('\n')
	sb.WriteString(name)
	sb.WriteString(":")
	return sb.String()
}

// halve cuts a string to at most half its bytes on a rune boundary.
func halve(s string) string {
	cut := len(s) / 2
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func speaker(name string, role model.TurnRole) string {
	if role == model.TurnRoleAgent {
		return name
	}
	return "User"
}

func selectRelationships(entries []model.RelationshipEntry, requesterID string, max int) []model.RelationshipEntry {
	out := make([]model.RelationshipEntry, 0, max)
	for _, e := range entries {
		if e.CounterpartID != requesterID {
			continue
		}
		out = append(out, e)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

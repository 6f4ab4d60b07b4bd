package models

import "strings"

// AudienceFilter is the declarative recipient filter stored on campaigns
// and automation triggers. Every non-empty dimension must match (AND
// across dimensions); values inside a dimension are alternatives (OR).
type AudienceFilter struct {
	Topics     []string `json:"topics,omitempty" validate:"omitempty,dive,min=1"`
	Tags       []string `json:"tags,omitempty" validate:"omitempty,dive,min=1"`
	Location   string   `json:"location,omitempty"`
	Continents []string `json:"continents,omitempty" validate:"omitempty,dive,continent"`
	Sources    []string `json:"sources,omitempty" validate:"omitempty,dive,min=1"`
}

// IsEmpty reports whether the filter imposes no constraint at all.
func (f AudienceFilter) IsEmpty() bool {
	return len(f.Topics) == 0 && len(f.Tags) == 0 && f.Location == "" &&
		len(f.Continents) == 0 && len(f.Sources) == 0
}

// Matches evaluates the filter against a subscriber. Topics and tags are
// both checked against the subscriber's interest set; location matches
// either country or continent; continents and sources are
// case-insensitive membership checks.
func (f AudienceFilter) Matches(sub *Subscriber) bool {
	if len(f.Topics) > 0 || len(f.Tags) > 0 {
		if !intersects(sub.Interests, append(append([]string{}, f.Topics...), f.Tags...)) {
			return false
		}
	}

	if f.Location != "" {
		loc := strings.ToLower(strings.TrimSpace(f.Location))
		if loc != strings.ToLower(sub.Country) && loc != strings.ToLower(sub.Continent) {
			return false
		}
	}

	if len(f.Continents) > 0 && !containsFold(f.Continents, sub.Continent) {
		return false
	}

	if len(f.Sources) > 0 && !containsFold(f.Sources, sub.Source) {
		return false
	}

	return true
}

func intersects(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, v := range have {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	for _, v := range want {
		if _, ok := set[strings.ToLower(strings.TrimSpace(v))]; ok {
			return true
		}
	}
	return false
}

func containsFold(values []string, target string) bool {
	target = strings.ToLower(strings.TrimSpace(target))
	for _, v := range values {
		if strings.ToLower(strings.TrimSpace(v)) == target {
			return true
		}
	}
	return false
}

package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyFilterMatchesEveryone(t *testing.T) {
	f := AudienceFilter{}
	require.True(t, f.IsEmpty())
	require.True(t, f.Matches(&Subscriber{Email: "a@example.com"}))
	require.True(t, f.Matches(&Subscriber{Email: "b@example.com", Country: "Japan"}))
}

func TestFilterTopicsAndTagsShareInterestSet(t *testing.T) {
	sub := &Subscriber{Interests: []string{"Golang", "databases"}}

	require.True(t, AudienceFilter{Topics: []string{"golang"}}.Matches(sub))
	require.True(t, AudienceFilter{Tags: []string{"databases"}}.Matches(sub))
	// Either list matching is enough.
	require.True(t, AudienceFilter{Topics: []string{"rust"}, Tags: []string{"golang"}}.Matches(sub))
	require.False(t, AudienceFilter{Topics: []string{"rust"}, Tags: []string{"cooking"}}.Matches(sub))
}

func TestFilterLocationMatchesCountryOrContinent(t *testing.T) {
	sub := &Subscriber{Country: "Germany", Continent: "Europe"}

	require.True(t, AudienceFilter{Location: "germany"}.Matches(sub))
	require.True(t, AudienceFilter{Location: " Europe "}.Matches(sub))
	require.False(t, AudienceFilter{Location: "Asia"}.Matches(sub))
}

func TestFilterDimensionsCombineWithAnd(t *testing.T) {
	sub := &Subscriber{
		Country: "Germany", Continent: "Europe", Source: "import",
		Interests: []string{"golang"},
	}

	require.True(t, AudienceFilter{
		Topics:  []string{"golang"},
		Sources: []string{"import", "api"},
	}.Matches(sub))

	require.False(t, AudienceFilter{
		Topics:  []string{"golang"},
		Sources: []string{"signup form"},
	}.Matches(sub))

	require.False(t, AudienceFilter{
		Topics:     []string{"golang"},
		Continents: []string{"asia"},
	}.Matches(sub))
}

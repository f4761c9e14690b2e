package cli

import (
	"sort"
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Suggest returns the items in the haystack that are within the given edit distance of the needle,
// closest first. Ties are broken alphabetically so the output is stable.
func Suggest(needle string, haystack []string, maxSuggestionDistance int) []string {
	r := []rune(needle)
	options := make([]suggestion, 0, len(haystack))
	for _, straw := range haystack {
		distance := levenshtein.DistanceForStrings(r, []rune(straw), levenshtein.DefaultOptions)
		if len(straw) > 0 && distance <= maxSuggestionDistance {
			options = append(options, suggestion{s: straw, dist: distance})
		}
	}
	sort.Slice(options, func(i, j int) bool {
		if options[i].dist != options[j].dist {
			return options[i].dist < options[j].dist
		}
		return options[i].s < options[j].s
	})
	ret := make([]string, len(options))
	for i, o := range options {
		ret[i] = o.s
	}
	return ret
}

// PrettyPrintSuggestion produces a single "maybe you meant" message from the suggestions for a needle,
// or the empty string if there aren't any. At most maxResults are included.
func PrettyPrintSuggestion(needle string, haystack []string, maxSuggestionDistance, maxResults int) string {
	options := Suggest(needle, haystack, maxSuggestionDistance)
	if len(options) == 0 {
		return ""
	} else if maxResults > 0 && len(options) > maxResults {
		options = options[:maxResults]
	}
	if len(options) == 1 {
		return "\nMaybe you meant " + options[0] + " ?"
	}
	// Leave a space before the comma / question mark so they can be selected without the punctuation.
	return "\nMaybe you meant " + strings.Join(options[:len(options)-1], " , ") + " or " + options[len(options)-1] + " ?"
}

type suggestion struct {
	s    string
	dist int
}

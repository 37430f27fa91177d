package consolidator

import (
	"strconv"
	"strings"
)

// Contradiction detection is deliberately conservative: only a clear
// opposite-polarity or mutually exclusive value pair flags a conflict. An
// ambiguous pair merges normally; a missed contradiction can still be fixed
// by the author, but a false conflict blocks promotion and nags them.

// antonyms pairs opposing trait/state words, both directions.
var antonyms = map[string]string{
	"trust":       "distrust",
	"trusting":    "distrustful",
	"loyal":       "treacherous",
	"honest":      "deceitful",
	"brave":       "cowardly",
	"alive":       "dead",
	"open":        "closed",
	"rich":        "poor",
	"young":       "old",
	"married":     "unmarried",
	"present":     "absent",
	"allowed":     "forbidden",
	"friend":      "enemy",
	"love":        "hate",
	"loves":       "hates",
	"believes":    "doubts",
	"cautious":    "reckless",
	"careful":     "careless",
	"strong":      "weak",
	"optimistic":  "pessimistic",
	"extroverted": "introverted",
}

// negators flip a statement's polarity when prefixed. Longest first, so
// "no longer " matches before its "no " prefix does.
var negators = []string{"no longer ", "doesn't ", "isn't ", "never ", "won't ", "not ", "no "}

func init() {
	// Mirror the antonym table so lookups work either way.
	for k, v := range antonyms {
		if _, ok := antonyms[v]; !ok {
			antonyms[v] = k
		}
	}
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// stem folds trivial inflections so "trusts" matches "trust". It is not a
// real stemmer and does not need to be.
func stem(w string) string {
	for _, suffix := range []string{"ing", "ed", "es", "s"} {
		if trimmed := strings.TrimSuffix(w, suffix); trimmed != w && len(trimmed) >= 3 {
			return trimmed
		}
	}
	return w
}

// stripNegation returns the statement without a leading negator and whether
// one was present.
func stripNegation(v string) (string, bool) {
	for _, n := range negators {
		if strings.HasPrefix(v, n) {
			return strings.TrimSpace(strings.TrimPrefix(v, n)), true
		}
	}
	return v, false
}

// Incompatible reports whether an incoming attribute value contradicts the
// existing one: opposite polarity, a recognized antonym pair, or a different
// numeric claim. Equal values (after normalization) are compatible; so is
// any pair this heuristic cannot classify.
func Incompatible(existing, incoming string) bool {
	e := normalize(existing)
	i := normalize(incoming)
	if e == "" || i == "" || e == i {
		return false
	}

	eCore, eNeg := stripNegation(e)
	iCore, iNeg := stripNegation(i)

	// "distrust" vs "not distrust" and friends.
	if eCore == iCore && eNeg != iNeg {
		return true
	}

	// Antonym pair anywhere in the two statements.
	for _, eWord := range strings.Fields(eCore) {
		opposite, ok := antonyms[eWord]
		if !ok {
			opposite, ok = antonyms[stem(eWord)]
		}
		if !ok {
			continue
		}
		for _, iWord := range strings.Fields(iCore) {
			if iWord == opposite || stem(iWord) == stem(opposite) {
				return true
			}
		}
	}

	// Two different plain numbers are a contradictory state claim.
	if eNum, err1 := strconv.ParseFloat(eCore, 64); err1 == nil {
		if iNum, err2 := strconv.ParseFloat(iCore, 64); err2 == nil {
			return eNum != iNum
		}
	}

	// Short single-token categorical values that differ are treated as
	// mutually exclusive ("captain" vs "admiral"); longer free text is not.
	if !strings.ContainsAny(eCore, " ") && !strings.ContainsAny(iCore, " ") &&
		len(eCore) <= 24 && len(iCore) <= 24 {
		return eCore != iCore
	}

	return false
}

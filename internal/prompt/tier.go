package prompt

// Tier classifies a target model's capability and drives the trimming policy.
type Tier string

const (
	TierFull    Tier = "full"
	TierMedium  Tier = "medium"
	TierMinimal Tier = "minimal"
)

// tierOrder from most to least capable, used when stepping down to fit.
var tierOrder = []Tier{TierFull, TierMedium, TierMinimal}

// ClassifyTier buckets a model by declared context window and historical
// structured-output reliability. A large window with unreliable tag
// compliance still gets the trimmed protocol: shorter instructions are
// easier to follow.
func ClassifyTier(contextWindowTokens int, structuredReliability float64) Tier {
	switch {
	case contextWindowTokens >= 100_000 && structuredReliability >= 0.8:
		return TierFull
	case contextWindowTokens >= 32_000 && structuredReliability >= 0.5:
		return TierMedium
	default:
		return TierMinimal
	}
}

// trimPolicy is what a tier keeps, summarizes, and drops.
type trimPolicy struct {
	Persona           Variant
	IncludeProcessMap bool
	ProcessMap        Variant
	ModeRules         Variant
	Protocol          Variant

	// LedgerCap bounds volatile ledger entries; foundational entries are
	// never capped. GraphCap bounds the key-entity excerpt, most central
	// first. TurnCap bounds the trailing conversation window. Negative means
	// unbounded.
	LedgerCap int
	GraphCap  int
	TurnCap   int
}

func policyFor(tier Tier) trimPolicy {
	switch tier {
	case TierMedium:
		return trimPolicy{
			Persona:           VariantFull,
			IncludeProcessMap: true,
			ProcessMap:        VariantConcise,
			ModeRules:         VariantFull,
			Protocol:          VariantFull,
			LedgerCap:         5,
			GraphCap:          6,
			TurnCap:           5,
		}
	case TierMinimal:
		return trimPolicy{
			Persona:           VariantMin,
			IncludeProcessMap: false,
			ModeRules:         VariantMin,
			Protocol:          VariantMin,
			LedgerCap:         2,
			GraphCap:          0,
			TurnCap:           2,
		}
	default:
		return trimPolicy{
			Persona:           VariantFull,
			IncludeProcessMap: true,
			ProcessMap:        VariantFull,
			ModeRules:         VariantFull,
			Protocol:          VariantFull,
			LedgerCap:         -1,
			GraphCap:          12,
			TurnCap:           -1,
		}
	}
}

// Package types provides the shared vocabulary of the image pipeline: quality tiers,
// queue jobs, and request payloads.
package types

import (
	"fmt"
	"strings"
)

// Tier is a quality level of a rendered artifact.
type Tier string

const (
	TierFast   Tier = "fast"
	TierMedium Tier = "medium"
	TierUltra  Tier = "ultra"
)

// AllTiers lists the tiers from lowest to highest quality.
var AllTiers = []Tier{TierFast, TierMedium, TierUltra}

// ParseTier accepts canonical tier names and the short aliases used by older
// artifacts and clients (mq/hq for medium, uhq for ultra).
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast":
		return TierFast, nil
	case "medium", "mq", "hq":
		return TierMedium, nil
	case "ultra", "uhq":
		return TierUltra, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t == TierFast || t == TierMedium || t == TierUltra
}

// Rank orders tiers by quality; unknown tiers rank below fast.
func (t Tier) Rank() int {
	switch t {
	case TierFast:
		return 1
	case TierMedium:
		return 2
	case TierUltra:
		return 3
	default:
		return 0
	}
}

// Next returns the tier an artifact upgrades to, or "" for the top tier.
func (t Tier) Next() Tier {
	switch t {
	case TierFast:
		return TierMedium
	case TierMedium:
		return TierUltra
	default:
		return ""
	}
}

// Suffix is the file-name suffix appended to the key for this tier.
func (t Tier) Suffix() string {
	switch t {
	case TierMedium:
		return "_hq"
	case TierUltra:
		return "_uhq"
	default:
		return ""
	}
}

// Queued reports whether jobs of this tier go through the upgrade worker.
func (t Tier) Queued() bool {
	return t == TierMedium || t == TierUltra
}

func (t Tier) String() string {
	return string(t)
}

// ExperimentLabel is the tier value recorded in experiment artifacts.
func (t Tier) ExperimentLabel() string {
	return "experiment_" + string(t)
}

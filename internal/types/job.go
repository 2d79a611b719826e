package types

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultSeed is used when a caller supplies no seed.
const DefaultSeed int64 = 42

// Job is one pending upgrade render, persisted as a JSON file named after its stem.
type Job struct {
	// Key is the queue file stem; it is not part of the file body.
	Key        string `json:"-"`
	Prompt     string `json:"scene_prompt" validate:"required"`
	Seed       *int64 `json:"seed,omitempty" validate:"omitempty,gte=0"`
	OutputStem string `json:"output_stem,omitempty" validate:"omitempty,stem"`
	State      string `json:"state,omitempty" validate:"omitempty,key"`
}

// Stem is the artifact file stem the job renders to.
func (j Job) Stem() string {
	if j.OutputStem != "" {
		return j.OutputStem
	}
	return j.Key
}

// LogicalKey is the key the job belongs to, which differs from Key for experiment jobs.
func (j Job) LogicalKey() string {
	if j.State != "" {
		return j.State
	}
	return j.Key
}

// IsAlias reports whether the job writes to an output alias instead of a canonical tier path.
func (j Job) IsAlias() bool {
	return j.OutputStem != ""
}

// SeedOr returns the job seed, or def when unset.
func (j Job) SeedOr(def int64) int64 {
	if j.Seed != nil {
		return *j.Seed
	}
	return def
}

// Validate checks the job body.
func (j *Job) Validate() error {
	return Validator().Struct(j)
}

// SeedPtr is a convenience for building optional seeds.
func SeedPtr(seed int64) *int64 {
	return &seed
}

var (
	keyPattern       = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,127}$`)
	reservedSuffixes = []string{"_hq", "_uhq", "_exp"}
	validate         *validator.Validate
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("key", func(fl validator.FieldLevel) bool {
		return ValidateKey(fl.Field().String()) == nil
	})
	_ = validate.RegisterValidation("stem", func(fl validator.FieldLevel) bool {
		return ValidateStem(fl.Field().String()) == nil
	})
}

// Validator returns the shared validator with the pipeline's custom tags registered.
func Validator() *validator.Validate {
	return validate
}

// ValidateKey checks that key is usable as a file stem and cannot collide with the
// suffixes the artifact layout reserves.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid key %q: must match %s", key, keyPattern.String())
	}
	for _, suffix := range reservedSuffixes {
		if strings.HasSuffix(key, suffix) {
			return fmt.Errorf("invalid key %q: suffix %s is reserved", key, suffix)
		}
	}
	return nil
}

// ValidateStem checks that stem is usable as a file stem. Unlike ValidateKey it allows
// the reserved suffixes, since derived stems end in them.
func ValidateStem(stem string) error {
	if !keyPattern.MatchString(stem) {
		return fmt.Errorf("invalid stem %q: must match %s", stem, keyPattern.String())
	}
	return nil
}

// ExperimentStem is the output alias used by experiment renders of key at tier.
func ExperimentStem(key string, tier Tier) string {
	return fmt.Sprintf("%s_%s_exp", key, tier)
}

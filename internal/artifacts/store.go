// Package artifacts stores rendered images, one file per key and tier, with the
// prompt and seed that produced each image embedded as PNG text chunks.
package artifacts

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jonathan/persona-imagegen/internal/types"
)

// Text chunk keywords.
const (
	MetaPrompt = "scene_prompt"
	MetaTier   = "tier"
	MetaSeed   = "seed"
	MetaKey    = "key"
)

var (
	// ErrNotFound is returned when the requested artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrNoProvenance is returned when an artifact carries no scene prompt.
	ErrNoProvenance = errors.New("artifact has no provenance")
)

// Provenance is what an artifact records about how it was made.
type Provenance struct {
	Key    string
	Prompt string
	Tier   string
	Seed   *int64
}

func (p Provenance) fields() map[string]string {
	fields := map[string]string{
		MetaPrompt: p.Prompt,
		MetaTier:   p.Tier,
	}
	if p.Key != "" {
		fields[MetaKey] = p.Key
	}
	if p.Seed != nil {
		fields[MetaSeed] = strconv.FormatInt(*p.Seed, 10)
	}
	return fields
}

// Store is a directory of artifacts.
type Store struct {
	dir    string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns the store rooted at dir. The directory is created on first write.
func New(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the output directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where the artifact for key at tier lives.
func (s *Store) Path(key string, tier types.Tier) string {
	return s.StemPath(key + tier.Suffix())
}

// StemPath returns the path of an arbitrary artifact stem, used for output aliases.
func (s *Store) StemPath(stem string) string {
	return filepath.Join(s.dir, stem+".png")
}

// Exists reports whether the artifact for key at tier is present.
func (s *Store) Exists(key string, tier types.Tier) bool {
	return fileExists(s.Path(key, tier))
}

// StemExists reports whether an alias artifact is present.
func (s *Store) StemExists(stem string) bool {
	return fileExists(s.StemPath(stem))
}

// Best returns the highest tier present for key.
func (s *Store) Best(key string) (string, types.Tier, bool) {
	for i := len(types.AllTiers) - 1; i >= 0; i-- {
		tier := types.AllTiers[i]
		if path := s.Path(key, tier); fileExists(path) {
			return path, tier, true
		}
	}
	return "", "", false
}

// Tiers lists the tiers present for key, lowest first.
func (s *Store) Tiers(key string) []types.Tier {
	var present []types.Tier
	for _, tier := range types.AllTiers {
		if s.Exists(key, tier) {
			present = append(present, tier)
		}
	}
	return present
}

// Write embeds prov into img and publishes it as the artifact for key at tier.
func (s *Store) Write(key string, tier types.Tier, img []byte, prov Provenance) (string, error) {
	if prov.Tier == "" {
		prov.Tier = tier.String()
	}
	if prov.Key == "" {
		prov.Key = key
	}
	return s.WriteStem(key+tier.Suffix(), img, prov)
}

// WriteStem embeds prov into img and publishes it under stem. Readers see either the
// previous file or the complete new one.
func (s *Store) WriteStem(stem string, img []byte, prov Provenance) (string, error) {
	if prov.Prompt == "" {
		return "", fmt.Errorf("refusing to write %s without a scene prompt", stem)
	}
	tagged, err := EmbedText(img, prov.fields())
	if err != nil {
		return "", fmt.Errorf("failed to embed provenance in %s: %w", stem, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	target := s.StemPath(stem)
	tmp := filepath.Join(s.dir, fmt.Sprintf(".%s.png.tmp-%s", stem, uuid.NewString()))
	if err := writeSynced(tmp, tagged); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to stage %s: %w", stem, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to publish %s: %w", stem, err)
	}

	s.logger.Debug("artifact written", "stem", stem, "tier", prov.Tier, "bytes", len(tagged))
	return target, nil
}

// Provenance reads the metadata of the artifact for key at tier.
func (s *Store) Provenance(key string, tier types.Tier) (Provenance, error) {
	return s.ProvenanceAt(s.Path(key, tier))
}

// ProvenanceAt reads the metadata of the artifact at path.
func (s *Store) ProvenanceAt(path string) (Provenance, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Provenance{}, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
	}
	if err != nil {
		return Provenance{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	fields, err := ReadText(data)
	if err != nil {
		return Provenance{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	prov := Provenance{
		Key:    fields[MetaKey],
		Prompt: fields[MetaPrompt],
		Tier:   fields[MetaTier],
	}
	if prov.Prompt == "" {
		return prov, fmt.Errorf("%w: %s", ErrNoProvenance, filepath.Base(path))
	}
	if raw, ok := fields[MetaSeed]; ok {
		seed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return prov, fmt.Errorf("invalid seed %q in %s: %w", raw, path, err)
		}
		prov.Seed = &seed
	}
	return prov, nil
}

// Delete removes the artifact for key at tier. Deleting an absent artifact is not an error.
func (s *Store) Delete(key string, tier types.Tier) error {
	return s.DeleteStem(key + tier.Suffix())
}

// DeleteStem removes an artifact by stem.
func (s *Store) DeleteStem(stem string) error {
	if err := os.Remove(s.StemPath(stem)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", stem, err)
	}
	return nil
}

// Keys lists every key that has a fast artifact.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.dir, err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".png") {
			continue
		}
		stem := strings.TrimSuffix(name, ".png")
		if types.ValidateKey(stem) != nil {
			continue
		}
		keys = append(keys, stem)
	}
	sort.Strings(keys)
	return keys, nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

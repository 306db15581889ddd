package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the declarative definitions file imported once at startup.
type SeedFile struct {
	Servers []*ServerDefinition `yaml:"servers"`
}

// LoadSeedFile parses a YAML definitions file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}

// ImportSeed creates every definition that does not already exist. The
// import is idempotent by id: existing ids are skipped, never overwritten,
// so re-running the same seed file cannot duplicate or clobber entries.
// Invalid entries abort the import so a broken seed file is noticed at
// startup rather than at load time.
func ImportSeed(ctx context.Context, store Store, seed *SeedFile) (added, skipped int, err error) {
	for _, def := range seed.Servers {
		if err := store.Create(ctx, def); err != nil {
			if errors.Is(err, ErrDuplicateID) {
				skipped++
				continue
			}
			return added, skipped, fmt.Errorf("seed entry %q: %w", def.ID, err)
		}
		added++
	}
	return added, skipped, nil
}

// ImportSeedFile parses and imports the seed file at path.
func ImportSeedFile(ctx context.Context, store Store, path string) (added, skipped int, err error) {
	seed, err := LoadSeedFile(path)
	if err != nil {
		return 0, 0, err
	}
	return ImportSeed(ctx, store, seed)
}

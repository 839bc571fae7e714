package config

import (
	"fmt"
	"log/slog"
	"os"

	"wxbridge/internal/domain"

	"gopkg.in/yaml.v3"
)

// contactsFile is the schema of a declarative contact allow-list file.
type contactsFile struct {
	Contacts []domain.Contact `yaml:"contacts"`
}

// LoadContactsFile loads a YAML contact allow-list. Invalid entries are
// skipped with a warning; duplicates by nickname keep the first entry.
func LoadContactsFile(path string, logger *slog.Logger) ([]domain.Contact, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("read contacts file: %w", err)
	}

	var file contactsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse contacts file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Contacts))
	var out []domain.Contact
	for _, c := range file.Contacts {
		if err := c.Validate(); err != nil {
			logger.Warn("skipping invalid contact entry", "nickname", c.Nickname, "err", err)
			continue
		}
		if seen[c.Nickname] {
			logger.Warn("skipping duplicate contact entry", "nickname", c.Nickname)
			continue
		}
		seen[c.Nickname] = true
		out = append(out, c)
	}
	return out, nil
}

// Package accounts loads the registry of tracked accounts.
package accounts

import (
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/coinwatch/internal/domain"
)

// Load reads a JSON array of {"address", "name"} records from path.
func Load(path string) ([]domain.Account, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read accounts file %s", path)
	}

	return Parse(payload)
}

// Parse decodes and validates an account list. Names must be unique since they key snapshots.
func Parse(payload []byte) ([]domain.Account, error) {
	var list []domain.Account
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, errors.Wrap(err, "decode accounts")
	}

	if len(list) == 0 {
		return nil, errors.New("accounts list is empty")
	}

	seen := make(map[string]struct{}, len(list))
	for i := range list {
		list[i].Address = strings.TrimSpace(list[i].Address)
		list[i].Name = strings.TrimSpace(list[i].Name)

		if list[i].Address == "" {
			return nil, errors.Errorf("account #%d has empty address", i)
		}
		if list[i].Name == "" {
			return nil, errors.Errorf("account #%d (%s) has empty name", i, list[i].Address)
		}
		if _, dup := seen[list[i].Name]; dup {
			return nil, errors.Errorf("duplicate account name %q", list[i].Name)
		}
		seen[list[i].Name] = struct{}{}
	}

	return list, nil
}

// Save writes the list in the format Load expects.
func Save(path string, list []domain.Account) error {
	payload, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode accounts")
	}

	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return errors.Wrap(err, "write accounts file")
	}

	return nil
}

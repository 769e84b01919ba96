package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
)

// Loader reads policy YAML files from a directory. One file per
// policy. A file that fails to parse or validate is logged and
// skipped so a single bad policy cannot take down the guardrails.
type Loader struct {
	logger *telemetry.Logger
}

func NewLoader(logger *telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.NewLogger("policy-loader")
	}
	return &Loader{logger: logger}
}

// LoadDirectory loads every *.yaml file under dir in lexical order and
// returns the enabled policies. The directory itself must exist;
// individual file failures are skipped with a logged error.
func (l *Loader) LoadDirectory(dir string) ([]types.Policy, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("policy directory %s: %w", dir, err)
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("globbing policy directory %s: %w", dir, err)
	}
	sort.Strings(paths)

	var policies []types.Policy
	for _, path := range paths {
		p, err := LoadFile(path)
		if err != nil {
			l.logger.Error().
				Err(err).
				Str("path", path).
				Msg("skipping policy file")
			continue
		}
		if !p.Enabled {
			l.logger.Debug().
				Str("policy_id", p.PolicyID).
				Str("path", path).
				Msg("skipping disabled policy")
			continue
		}
		policies = append(policies, p)
	}

	l.logger.Info().
		Int("loaded", len(policies)).
		Int("files", len(paths)).
		Str("dir", dir).
		Msg("policies loaded")
	return policies, nil
}

// LoadFile parses and validates a single policy file. Disabled
// policies load fine here; filtering is LoadDirectory's job.
func LoadFile(path string) (types.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Policy{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var p types.Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return types.Policy{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return types.Policy{}, fmt.Errorf("validating %s: %w", path, err)
	}
	return p, nil
}

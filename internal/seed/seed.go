// Package seed bootstraps endpoints from an optional YAML file at
// startup, diffing by a content hash so re-running with an unchanged
// file is a no-op. Grounded on gregyjames-NanoStatus/config.go's
// loadMonitorsFromYAML + calculateConfigHash (SHA256 over a
// deterministic field join), adapted from the teacher's direct ORM
// writes to routing every mutation through the Store Adapter's public
// CRUD so the Scheduler and Live Event Bus observe seeded endpoints
// exactly like operator-created ones.
package seed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"watchtower/internal/model"
)

// Store is the subset of *store.Store seeding needs.
type Store interface {
	ListEndpoints(ctx context.Context) ([]model.Endpoint, error)
	CreateEndpoint(ctx context.Context, e model.Endpoint) (model.Endpoint, error)
	UpdateEndpoint(ctx context.Context, e model.Endpoint) (model.Endpoint, error)
}

// endpointSpec is one entry in the YAML file's endpoints list.
type endpointSpec struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	CheckInterval  int      `yaml:"checkInterval,omitempty"`
	Timeout        int      `yaml:"timeout,omitempty"`
	ExpectedStatus int      `yaml:"expectedStatus,omitempty"`
	Severity       string   `yaml:"severity,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Tags           []string `yaml:"tags,omitempty"`
}

// file is the YAML document's root.
type file struct {
	Endpoints []endpointSpec `yaml:"endpoints"`
}

// FromFile reads path (a no-op, not an error, if it doesn't exist) and
// syncs its endpoints into the store: creates ones the store lacks by
// name, updates ones whose content hash changed, and leaves unchanged
// ones alone.
func FromFile(ctx context.Context, st Store, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debug().Str("path", path).Msg("[Seed] no bootstrap file found")
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("seed: read %s: %w", path, err)
	}

	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("seed: parse %s: %w", path, err)
	}

	existing, err := st.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("seed: list existing endpoints: %w", err)
	}
	byName := make(map[string]model.Endpoint, len(existing))
	for _, e := range existing {
		byName[e.Name] = e
	}

	created, updated, unchanged := 0, 0, 0
	for _, spec := range doc.Endpoints {
		if spec.Name == "" || spec.URL == "" {
			log.Warn().Msg("[Seed] skipping entry with missing name or url")
			continue
		}
		ep := toEndpoint(spec)
		hash := contentHash(toSpec(ep))

		current, exists := byName[spec.Name]
		if !exists {
			if _, err := st.CreateEndpoint(ctx, ep); err != nil {
				log.Error().Err(err).Str("name", spec.Name).Msg("[Seed] failed to create endpoint")
				continue
			}
			created++
			continue
		}

		if contentHash(toSpec(current)) == hash {
			unchanged++
			continue
		}

		ep.ID = current.ID
		if _, err := st.UpdateEndpoint(ctx, ep); err != nil {
			log.Error().Err(err).Str("name", spec.Name).Msg("[Seed] failed to update endpoint")
			continue
		}
		updated++
	}

	log.Info().Int("created", created).Int("updated", updated).Int("unchanged", unchanged).
		Str("path", path).Msg("[Seed] bootstrap sync complete")
	return nil
}

func toEndpoint(spec endpointSpec) model.Endpoint {
	interval := spec.CheckInterval
	if interval <= 0 {
		interval = 60
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 10
	}
	expected := spec.ExpectedStatus
	if expected == 0 {
		expected = 200
	}
	severity := model.Severity(spec.Severity)
	if severity == "" {
		severity = model.SeverityMedium
	}
	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}
	return model.Endpoint{
		Name:           spec.Name,
		URL:            spec.URL,
		CheckInterval:  interval,
		Timeout:        timeout,
		ExpectedStatus: expected,
		Severity:       severity,
		Enabled:        enabled,
		Tags:           spec.Tags,
	}
}

// toSpec converts a stored endpoint back into the YAML shape so its
// hash is directly comparable to a freshly parsed spec's hash.
func toSpec(e model.Endpoint) endpointSpec {
	enabled := e.Enabled
	return endpointSpec{
		Name:           e.Name,
		URL:            e.URL,
		CheckInterval:  e.CheckInterval,
		Timeout:        e.Timeout,
		ExpectedStatus: e.ExpectedStatus,
		Severity:       string(e.Severity),
		Enabled:        &enabled,
		Tags:           e.Tags,
	}
}

// contentHash mirrors gregyjames-NanoStatus/config.go's
// calculateConfigHash: a SHA256 over a deterministic field join.
func contentHash(spec endpointSpec) string {
	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}
	s := fmt.Sprintf("%s|%s|%d|%d|%d|%s|%v|%v",
		spec.Name, spec.URL, spec.CheckInterval, spec.Timeout, spec.ExpectedStatus,
		spec.Severity, enabled, spec.Tags,
	)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

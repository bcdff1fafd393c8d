// Package testconfig resolves which probes run against a target: the join
// of website_test_config (per-target enablement/overrides) and
// available_tests (the catalog of probe names). It implements
// pkg/dispatcher.TargetTestConfigProvider from outside pkg/dispatcher so
// the dispatcher package itself stays free of a concrete store dependency,
// following the same hand-written-SQL idiom as pkg/target and pkg/scanrun.
package testconfig

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/securescan/internal/store"
	"github.com/wisbric/securescan/pkg/dispatcher"
)

// Store resolves enabled probes for a target from website_test_config
// joined against available_tests.
type Store struct {
	store *store.Store
}

// NewStore creates a testconfig Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{store: store.New(pool)}
}

// EnabledProbes implements dispatcher.TargetTestConfigProvider.
func (s *Store) EnabledProbes(ctx context.Context, targetID string) ([]dispatcher.TestConfig, error) {
	const q = `
		SELECT at.name, wtc.invert_result, wtc.config
		FROM website_test_config wtc
		JOIN available_tests at ON at.id = wtc.test_id
		WHERE wtc.website_id = $1 AND wtc.enabled AND at.enabled
		ORDER BY at.name`

	rows, err := s.store.Pool.Query(ctx, q, targetID)
	if err != nil {
		return nil, fmt.Errorf("querying enabled probes for target %s: %w", targetID, store.Wrap(err))
	}
	defer rows.Close()

	var out []dispatcher.TestConfig
	for rows.Next() {
		var name string
		var invert bool
		var rawCfg []byte
		if err := rows.Scan(&name, &invert, &rawCfg); err != nil {
			return nil, fmt.Errorf("scanning website_test_config row: %w", store.Wrap(err))
		}

		cfg := map[string]any{}
		if len(rawCfg) > 0 {
			if err := json.Unmarshal(rawCfg, &cfg); err != nil {
				return nil, fmt.Errorf("decoding test config for probe %q: %w", name, err)
			}
		}

		out = append(out, dispatcher.TestConfig{
			ProbeName:    name,
			InvertResult: invert,
			ProbeConfig:  cfg,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating website_test_config rows: %w", store.Wrap(err))
	}
	return out, nil
}

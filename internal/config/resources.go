package config

import (
	"encoding/json"
	"os"

	"github.com/oceanframework/ocean/internal/entity"
	"github.com/oceanframework/ocean/internal/oceanerr"
)

// ScorecardDefault pairs a scorecard body with the blueprint it belongs to
type ScorecardDefault struct {
	Blueprint string                 `json:"blueprint"`
	Scorecard map[string]interface{} `json:"scorecard"`
}

// LoadBlueprints reads the integration's default blueprint definitions.
// An empty path returns no blueprints.
func LoadBlueprints(path string) ([]entity.Blueprint, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, oceanerr.Wrap(oceanerr.KindConfig, "read blueprints file", err)
	}
	var blueprints []entity.Blueprint
	if err := json.Unmarshal(raw, &blueprints); err != nil {
		return nil, oceanerr.Wrap(oceanerr.KindConfig, "parse blueprints file", err)
	}
	return blueprints, nil
}

// LoadScorecards reads the integration's default scorecard definitions.
// An empty path returns no scorecards.
func LoadScorecards(path string) ([]ScorecardDefault, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, oceanerr.Wrap(oceanerr.KindConfig, "read scorecards file", err)
	}
	var scorecards []ScorecardDefault
	if err := json.Unmarshal(raw, &scorecards); err != nil {
		return nil, oceanerr.Wrap(oceanerr.KindConfig, "parse scorecards file", err)
	}
	return scorecards, nil
}

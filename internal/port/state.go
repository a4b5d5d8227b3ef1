package port

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/oceanframework/ocean/internal/entity"
	"github.com/oceanframework/ocean/internal/logger"
	"github.com/oceanframework/ocean/internal/oceanerr"
)

// KindCounters summarizes one kind's outcome within a run
type KindCounters struct {
	Fetched    int64 `json:"fetched"`
	MappedOK   int64 `json:"mappedOk"`
	MappedFail int64 `json:"mappedFail"`
	Upserted   int64 `json:"upserted"`
	Failed     int64 `json:"failed"`
	Deleted    int64 `json:"deleted"`
}

// KindState is the persisted bookkeeping for one kind
type KindState struct {
	// SeenSummary is a base64-encoded bloom filter over the entity keys
	// observed in the last successful run. The full seen set is too large
	// to persist verbatim.
	SeenSummary   string       `json:"seenSummary,omitempty"`
	SeenCount     int64        `json:"seenCount"`
	LastSuccessTs time.Time    `json:"lastSuccessTs,omitempty"`
	Counters      KindCounters `json:"counters"`
}

// IntegrationState is the last-run bookkeeping document stored under Port
type IntegrationState struct {
	LastRunID            string               `json:"lastRunId,omitempty"`
	LastSuccessTimestamp time.Time            `json:"lastSuccessTimestamp,omitempty"`
	PerKind              map[string]KindState `json:"perKind,omitempty"`
}

// GetIntegrationState fetches the persisted state document. A missing
// document (first run) is returned as an empty state, not an error.
func (c *Client) GetIntegrationState(ctx context.Context) (*IntegrationState, error) {
	var state IntegrationState
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, c.integrationPath("state"), nil, &state)
	})
	if err != nil {
		var oe *oceanerr.Error
		if errors.As(err, &oe) && oe.StatusCode == http.StatusNotFound {
			return &IntegrationState{PerKind: map[string]KindState{}}, nil
		}
		return nil, err
	}
	if state.PerKind == nil {
		state.PerKind = map[string]KindState{}
	}
	return &state, nil
}

// SetIntegrationState persists the state document. Written only by the
// orchestrator, once at run end.
func (c *Client) SetIntegrationState(ctx context.Context, state *IntegrationState) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPut, c.integrationPath("state"), state, nil)
	})
}

// GetAppConfig fetches the integration's port-app-config document
func (c *Client) GetAppConfig(ctx context.Context) ([]byte, error) {
	var raw json.RawMessage
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, c.integrationPath("config"), nil, &raw)
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// EnsureBlueprint creates a blueprint if it does not already exist
func (c *Client) EnsureBlueprint(ctx context.Context, blueprint entity.Blueprint) error {
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/v1/blueprints", blueprint, nil)
	})
	if err != nil {
		var oe *oceanerr.Error
		if errors.As(err, &oe) && oe.StatusCode == http.StatusConflict {
			return nil
		}
		return err
	}
	c.log.Info("created blueprint", logger.String("blueprint", blueprint.Identifier))
	return nil
}

// EnsureScorecards creates scorecards on a blueprint, ignoring ones that exist
func (c *Client) EnsureScorecards(ctx context.Context, blueprint string, scorecards []map[string]interface{}) error {
	for _, scorecard := range scorecards {
		err := c.withRetry(ctx, func(ctx context.Context) error {
			path := "/v1/blueprints/" + url.PathEscape(blueprint) + "/scorecards"
			return c.do(ctx, http.MethodPost, path, scorecard, nil)
		})
		if err != nil {
			var oe *oceanerr.Error
			if errors.As(err, &oe) && oe.StatusCode == http.StatusConflict {
				continue
			}
			return err
		}
	}
	return nil
}

func (c *Client) integrationPath(suffix string) string {
	return "/v1/integration/" + url.PathEscape(c.integrationID) + "/" + suffix
}

package port

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/oceanframework/ocean/internal/entity"
	"github.com/oceanframework/ocean/internal/metrics"
	"github.com/oceanframework/ocean/internal/oceanerr"
)

// UpsertOptions carry the run-level flags attached to each mutation
type UpsertOptions struct {
	CreateMissingRelatedEntities bool
	MergeEntity                  bool
}

// Result is the per-entity outcome of a batched mutation
type Result struct {
	Key entity.Key
	Err error
}

// OK reports whether the mutation succeeded
func (r Result) OK() bool {
	return r.Err == nil
}

type upsertRequest struct {
	Entity                       *entity.Entity `json:"entity"`
	CreateMissingRelatedEntities bool           `json:"createMissingRelatedEntities"`
	MergeEntity                  bool           `json:"mergeEntity"`
}

// UpsertEntity writes a single entity. Idempotent by (blueprint, identifier).
func (c *Client) UpsertEntity(ctx context.Context, e *entity.Entity, opts UpsertOptions) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/v1/entities", upsertRequest{
			Entity:                       e,
			CreateMissingRelatedEntities: opts.CreateMissingRelatedEntities,
			MergeEntity:                  opts.MergeEntity,
		}, nil)
	})
}

// UpsertBatch writes a batch of entities concurrently under the client's
// in-flight bound and reports a per-entity result in input order.
func (c *Client) UpsertBatch(ctx context.Context, entities []*entity.Entity, opts UpsertOptions) []Result {
	results := make([]Result, len(entities))

	var g errgroup.Group
	for i, e := range entities {
		i, e := i, e
		g.Go(func() error {
			err := c.UpsertEntity(ctx, e, opts)
			results[i] = Result{Key: e.Key(), Err: err}

			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			metrics.EntitiesUpserted.WithLabelValues(e.Blueprint, outcome).Inc()
			return nil
		})
	}
	g.Wait()
	return results
}

// Delete removes an entity, optionally cascading to entities that depend on
// it. A missing entity counts as success: stale removal must tolerate
// entities already gone.
func (c *Client) Delete(ctx context.Context, key entity.Key, deleteDependents bool) error {
	err := c.withRetry(ctx, func(ctx context.Context) error {
		path := "/v1/entities/" + url.PathEscape(key.Blueprint) + "/" + url.PathEscape(key.Identifier)
		if deleteDependents {
			path += "?delete_dependents=true"
		}
		return c.do(ctx, http.MethodDelete, path, nil, nil)
	})
	if err != nil {
		var oe *oceanerr.Error
		if errors.As(err, &oe) && oe.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	metrics.EntitiesDeleted.WithLabelValues(key.Blueprint).Inc()
	return nil
}

type searchRequest struct {
	Blueprint string             `json:"blueprint"`
	Query     entity.SearchQuery `json:"query"`
}

type searchResponse struct {
	Entities []struct {
		Identifier string `json:"identifier"`
	} `json:"entities"`
}

// Search returns the identifiers matching a rule set within a blueprint
func (c *Client) Search(ctx context.Context, blueprint string, query entity.SearchQuery) ([]string, error) {
	var resp searchResponse
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/v1/entities/search", searchRequest{
			Blueprint: blueprint,
			Query:     query,
		}, &resp)
	})
	if err != nil {
		return nil, err
	}

	identifiers := make([]string, 0, len(resp.Entities))
	for _, e := range resp.Entities {
		identifiers = append(identifiers, e.Identifier)
	}
	return identifiers, nil
}

// OwnedIdentifiers lists the identifiers in a blueprint created by this
// integration. Used as the stale-deletion candidate set.
func (c *Client) OwnedIdentifiers(ctx context.Context, blueprint string) ([]string, error) {
	return c.Search(ctx, blueprint, entity.SearchQuery{
		Combinator: "and",
		Rules: []entity.SearchRule{
			{Property: "$createdByIntegration", Operator: "=", Value: c.integrationID},
		},
	})
}

// Package rest implements the remote store boundary against a hosted
// row-store exposing a PostgREST-style HTTP API, which is how the managed
// backend serves row-level reads and upserts.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/aveer-dev/collabsync/internal/remote"
)

// Store implements remote.Store and remote.TextSearcher over HTTP.
type Store struct {
	http *resty.Client
}

// New builds the adapter for the given base URL. apiKey may be empty for
// anonymous access in development.
func New(baseURL, apiKey string) *Store {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		c.SetHeader("apikey", apiKey)
		c.SetAuthToken(apiKey)
	}
	return &Store{http: c}
}

func (s *Store) Get(ctx context.Context, table, key string) (remote.Record, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("id", "eq."+key).
		SetQueryParam("limit", "1").
		Get("/" + table)
	recs, err := decodeList(resp, err, "get", table)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (s *Store) Upsert(ctx context.Context, table string, rec remote.Record, conflictKey string) (remote.Record, error) {
	if conflictKey == "" {
		conflictKey = "id"
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("on_conflict", conflictKey).
		SetHeader("Prefer", "resolution=merge-duplicates,return=representation").
		SetBody(rec).
		Post("/" + table)
	recs, err := decodeList(resp, err, "upsert", table)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, remote.Errf("upsert", table, fmt.Errorf("empty representation"))
	}
	return recs[0], nil
}

func (s *Store) SelectMatching(ctx context.Context, table string, filter map[string]any, orderBy string) ([]remote.Record, error) {
	req := s.http.R().SetContext(ctx)
	for col, v := range filter {
		req.SetQueryParam(col, fmt.Sprintf("eq.%v", v))
	}
	if orderBy != "" {
		req.SetQueryParam("order", orderParam(orderBy))
	}
	resp, err := req.Get("/" + table)
	return decodeList(resp, err, "select", table)
}

func (s *Store) Update(ctx context.Context, table, key string, partial remote.Record) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("id", "eq."+key).
		SetBody(partial).
		Patch("/" + table)
	if err != nil {
		return remote.Errf("update", table, err)
	}
	if resp.IsError() {
		return remote.Errf("update", table, fmt.Errorf("status %s", resp.Status()))
	}
	return nil
}

func (s *Store) TextSearch(ctx context.Context, table, column, query string) ([]remote.Record, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam(column, "ilike.*"+query+"*").
		SetQueryParam("order", "created_at.asc").
		Get("/" + table)
	return decodeList(resp, err, "search", table)
}

func decodeList(resp *resty.Response, err error, op, table string) ([]remote.Record, error) {
	if err != nil {
		return nil, remote.Errf(op, table, err)
	}
	if resp.IsError() {
		return nil, remote.Errf(op, table, fmt.Errorf("status %s: %s", resp.Status(), resp.String()))
	}
	var recs []remote.Record
	if err := json.Unmarshal(resp.Body(), &recs); err != nil {
		return nil, remote.Errf(op, table, err)
	}
	return recs, nil
}

// orderParam translates "created_at asc" into PostgREST's "created_at.asc".
func orderParam(orderBy string) string {
	parts := strings.Fields(orderBy)
	if len(parts) == 2 {
		return parts[0] + "." + strings.ToLower(parts[1])
	}
	return parts[0]
}

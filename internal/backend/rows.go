package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// QueryBuilder addresses one table of the backend's row store.
type QueryBuilder struct {
	c     *Client
	table string
}

// From starts a query against a named table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{c: c, table: table}
}

type rowFilter struct {
	column string
	cond   string
}

// SelectBuilder accumulates filter/order/limit modifiers for a read.
type SelectBuilder struct {
	q       *QueryBuilder
	columns string
	filters []rowFilter
	order   string
	limit   int
}

// Select begins a read returning the given columns ("*" for all).
func (q *QueryBuilder) Select(columns string) *SelectBuilder {
	return &SelectBuilder{q: q, columns: columns}
}

// Eq keeps rows whose column equals value.
func (s *SelectBuilder) Eq(column, value string) *SelectBuilder {
	s.filters = append(s.filters, rowFilter{column, "eq." + value})
	return s
}

// Order sorts by column, ascending or descending.
func (s *SelectBuilder) Order(column string, ascending bool) *SelectBuilder {
	dir := "desc"
	if ascending {
		dir = "asc"
	}
	s.order = column + "." + dir
	return s
}

// Limit caps the number of rows returned.
func (s *SelectBuilder) Limit(n int) *SelectBuilder {
	s.limit = n
	return s
}

// Execute runs the read and decodes the JSON row array into dest.
func (s *SelectBuilder) Execute(ctx context.Context, dest any) error {
	params := url.Values{}
	params.Set("select", s.columns)
	for _, f := range s.filters {
		params.Add(f.column, f.cond)
	}
	if s.order != "" {
		params.Set("order", s.order)
	}
	if s.limit > 0 {
		params.Set("limit", strconv.Itoa(s.limit))
	}
	return s.q.do(ctx, http.MethodGet, params, nil, "", dest)
}

// Insert writes one record (or a slice of records) to the table.
func (q *QueryBuilder) Insert(ctx context.Context, record any) error {
	return q.do(ctx, http.MethodPost, nil, record, "return=minimal", nil)
}

// Upsert writes a record, merging into an existing row on conflict of the
// given column. Repeating an upsert with the same key is safe.
func (q *QueryBuilder) Upsert(ctx context.Context, record any, onConflict string) error {
	params := url.Values{}
	if onConflict != "" {
		params.Set("on_conflict", onConflict)
	}
	return q.do(ctx, http.MethodPost, params, record, "resolution=merge-duplicates,return=minimal", nil)
}

// UpdateBuilder accumulates filters for a partial update.
type UpdateBuilder struct {
	q       *QueryBuilder
	values  any
	filters []rowFilter
}

// Update begins a partial update setting the given values.
func (q *QueryBuilder) Update(values any) *UpdateBuilder {
	return &UpdateBuilder{q: q, values: values}
}

// Eq restricts the update to rows whose column equals value.
func (u *UpdateBuilder) Eq(column, value string) *UpdateBuilder {
	u.filters = append(u.filters, rowFilter{column, "eq." + value})
	return u
}

// Execute runs the update.
func (u *UpdateBuilder) Execute(ctx context.Context) error {
	params := url.Values{}
	for _, f := range u.filters {
		params.Add(f.column, f.cond)
	}
	return u.q.do(ctx, http.MethodPatch, params, u.values, "return=minimal", nil)
}

// DeleteBuilder accumulates filters for a delete.
type DeleteBuilder struct {
	q       *QueryBuilder
	filters []rowFilter
}

// Delete begins a delete.
func (q *QueryBuilder) Delete() *DeleteBuilder {
	return &DeleteBuilder{q: q}
}

// Eq restricts the delete to rows whose column equals value.
func (d *DeleteBuilder) Eq(column, value string) *DeleteBuilder {
	d.filters = append(d.filters, rowFilter{column, "eq." + value})
	return d
}

// Execute runs the delete.
func (d *DeleteBuilder) Execute(ctx context.Context) error {
	params := url.Values{}
	for _, f := range d.filters {
		params.Add(f.column, f.cond)
	}
	return d.q.do(ctx, http.MethodDelete, params, nil, "return=minimal", nil)
}

func (q *QueryBuilder) do(ctx context.Context, method string, params url.Values, body any, prefer string, dest any) error {
	endpoint := fmt.Sprintf("%s/rest/v1/%s", q.c.cfg.URL, q.table)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return err
		}
		reqBody = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	q.c.authorize(req)

	resp, err := q.c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return parseAPIError(resp.StatusCode, raw)
	}
	if dest != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, dest); err != nil {
			return fmt.Errorf("decode %s rows: %w", q.table, err)
		}
	}
	return nil
}

// Package rest is a DataProvider for backends following the simple REST
// conventions of admin UIs:
//
//	getList    GET    /posts?sort=["title","ASC"]&range=[0,24]&filter={"title":"bar"}
//	getOne     GET    /posts/123
//	getMany    GET    /posts?filter={"id":[123,456,789]}
//	create     POST   /posts
//	update     PUT    /posts/123
//	delete     DELETE /posts/123
//
// The list total is read from the Content-Range header. There are no batch
// endpoints: updateMany and deleteMany issue one request per id concurrently.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/burugo/recordsync"
)

const defaultConcurrency = 4

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.httpClient = hc }
}

// WithHeader adds a header to every request, e.g. an Authorization token.
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.headers[key] = value }
}

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithConcurrency bounds the parallel requests of updateMany and deleteMany.
func WithConcurrency(n int) Option {
	return func(p *Provider) { p.concurrency = n }
}

// Provider implements recordsync.DataProvider over HTTP.
type Provider struct {
	client      *resty.Client
	httpClient  *http.Client
	headers     map[string]string
	logger      *zap.Logger
	concurrency int
}

var (
	_ recordsync.DataProvider       = (*Provider)(nil)
	_ recordsync.CapabilityProvider = (*Provider)(nil)
)

// New creates a provider for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Provider {
	p := &Provider{
		headers:     make(map[string]string),
		logger:      zap.NewNop(),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.httpClient != nil {
		p.client = resty.NewWithClient(p.httpClient)
	} else {
		p.client = resty.New()
	}
	p.client.SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeaders(p.headers)
	p.logger = p.logger.Named("rest")
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// Capabilities implements recordsync.CapabilityProvider. Batched writes are
// served by concurrent per-id requests.
func (p *Provider) Capabilities() recordsync.Capabilities {
	return recordsync.Capabilities{UpdateMany: true, DeleteMany: true}
}

func collectionPath(resource string) string {
	return "/" + url.PathEscape(resource)
}

func itemPath(resource string, id recordsync.ID) string {
	return collectionPath(resource) + "/" + url.PathEscape(string(id))
}

func decodeJSON(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

// apiError is the error body of a rejected write.
type apiError struct {
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors"`
}

// check maps the HTTP outcome onto the recordsync taxonomy. Transport errors
// and unexpected statuses are returned as-is and become network failures.
func (p *Provider) check(resp *resty.Response, err error, resource string, id recordsync.ID) error {
	if err != nil {
		return err
	}
	p.logger.Debug("request",
		zap.String("method", resp.Request.Method),
		zap.String("url", resp.Request.URL),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("took", resp.Time()))
	if resp.IsSuccess() {
		return nil
	}

	switch resp.StatusCode() {
	case http.StatusNotFound:
		return fmt.Errorf("%s/%s: %w", resource, id, recordsync.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s/%s: %w", resource, id, recordsync.ErrConflict)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		var body apiError
		_ = decodeJSON(resp.Body(), &body)
		if body.Message == "" {
			body.Message = strings.TrimSpace(resp.String())
		}
		return &recordsync.ValidationError{Message: body.Message, Fields: body.Errors}
	}
	return fmt.Errorf("rest: %s %s: unexpected status %d", resp.Request.Method, resp.Request.URL, resp.StatusCode())
}

func (p *Provider) record(body []byte) (recordsync.Record, error) {
	var rec recordsync.Record
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if err := decodeJSON(body, &rec); err != nil {
		return nil, fmt.Errorf("rest: decoding record: %w", err)
	}
	return rec, nil
}

func (p *Provider) records(body []byte) ([]recordsync.Record, error) {
	var recs []recordsync.Record
	if err := decodeJSON(body, &recs); err != nil {
		return nil, fmt.Errorf("rest: decoding records: %w", err)
	}
	if recs == nil {
		recs = []recordsync.Record{}
	}
	return recs, nil
}

// GetOne implements recordsync.DataProvider.
func (p *Provider) GetOne(ctx context.Context, resource string, id recordsync.ID) (recordsync.Record, error) {
	resp, err := p.client.R().SetContext(ctx).Get(itemPath(resource, id))
	if err := p.check(resp, err, resource, id); err != nil {
		return nil, err
	}
	return p.record(resp.Body())
}

// GetList implements recordsync.DataProvider.
func (p *Provider) GetList(ctx context.Context, resource string, params recordsync.ListParams) (recordsync.ListResult, error) {
	query := map[string]string{}
	if params.Sort.Field != "" {
		raw, _ := json.Marshal([]string{params.Sort.Field, string(params.Sort.Order)})
		query["sort"] = string(raw)
	}
	if params.Pagination.PerPage > 0 {
		start := params.Pagination.Offset()
		raw, _ := json.Marshal([]int{start, start + params.Pagination.PerPage - 1})
		query["range"] = string(raw)
	}
	filter := params.Filter
	if filter == nil {
		filter = map[string]interface{}{}
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return recordsync.ListResult{}, &recordsync.ValidationError{Message: fmt.Sprintf("filter is not JSON encodable: %v", err)}
	}
	query["filter"] = string(raw)

	resp, err := p.client.R().SetContext(ctx).SetQueryParams(query).Get(collectionPath(resource))
	if err := p.check(resp, err, resource, ""); err != nil {
		return recordsync.ListResult{}, err
	}
	recs, err := p.records(resp.Body())
	if err != nil {
		return recordsync.ListResult{}, err
	}
	total, ok := parseContentRange(resp.Header().Get("Content-Range"))
	if !ok {
		total = len(recs)
	}
	return recordsync.ListResult{Data: recs, Total: total}, nil
}

// parseContentRange reads the total of "posts 0-24/319".
func parseContentRange(header string) (int, bool) {
	i := strings.LastIndex(header, "/")
	if i < 0 {
		return 0, false
	}
	total, err := strconv.Atoi(strings.TrimSpace(header[i+1:]))
	if err != nil {
		return 0, false
	}
	return total, true
}

// GetMany implements recordsync.DataProvider.
func (p *Provider) GetMany(ctx context.Context, resource string, ids []recordsync.ID) ([]recordsync.Record, error) {
	raw, _ := json.Marshal(map[string]interface{}{recordsync.IDField: ids})
	resp, err := p.client.R().SetContext(ctx).
		SetQueryParam("filter", string(raw)).
		Get(collectionPath(resource))
	if err := p.check(resp, err, resource, ""); err != nil {
		return nil, err
	}
	return p.records(resp.Body())
}

// Create implements recordsync.DataProvider.
func (p *Provider) Create(ctx context.Context, resource string, data recordsync.Record) (recordsync.Record, error) {
	resp, err := p.client.R().SetContext(ctx).SetBody(data).Post(collectionPath(resource))
	if err := p.check(resp, err, resource, ""); err != nil {
		return nil, err
	}
	rec, err := p.record(resp.Body())
	if err != nil {
		return nil, err
	}
	// Some backends answer with the id only.
	return data.Merge(rec), nil
}

// Update implements recordsync.DataProvider.
func (p *Provider) Update(ctx context.Context, resource string, id recordsync.ID, data, previous recordsync.Record) (recordsync.Record, error) {
	resp, err := p.client.R().SetContext(ctx).SetBody(data).Put(itemPath(resource, id))
	if err := p.check(resp, err, resource, id); err != nil {
		return nil, err
	}
	rec, err := p.record(resp.Body())
	if err != nil || rec != nil {
		return rec, err
	}
	return previous.Merge(data), nil
}

// Delete implements recordsync.DataProvider.
func (p *Provider) Delete(ctx context.Context, resource string, id recordsync.ID, previous recordsync.Record) (recordsync.Record, error) {
	resp, err := p.client.R().SetContext(ctx).Delete(itemPath(resource, id))
	if err := p.check(resp, err, resource, id); err != nil {
		return nil, err
	}
	rec, err := p.record(resp.Body())
	if err != nil || rec != nil {
		return rec, err
	}
	return previous, nil
}

// UpdateMany implements recordsync.DataProvider with one PUT per id.
func (p *Provider) UpdateMany(ctx context.Context, resource string, ids []recordsync.ID, data recordsync.Record) ([]recordsync.ID, error) {
	return p.fanOut(ctx, "updateMany", resource, ids, func(ctx context.Context, id recordsync.ID) error {
		_, err := p.Update(ctx, resource, id, data, nil)
		return err
	})
}

// DeleteMany implements recordsync.DataProvider with one DELETE per id.
func (p *Provider) DeleteMany(ctx context.Context, resource string, ids []recordsync.ID) ([]recordsync.ID, error) {
	return p.fanOut(ctx, "deleteMany", resource, ids, func(ctx context.Context, id recordsync.ID) error {
		_, err := p.Delete(ctx, resource, id, nil)
		return err
	})
}

// fanOut runs call for every id with bounded concurrency and reports per-id
// outcomes. A failing id does not stop the others.
func (p *Provider) fanOut(ctx context.Context, op, resource string, ids []recordsync.ID, call func(context.Context, recordsync.ID) error) ([]recordsync.ID, error) {
	var mu sync.Mutex
	failed := make(map[recordsync.ID]error)
	ok := make(map[recordsync.ID]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := call(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[id] = err
			} else {
				ok[id] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	done := make([]recordsync.ID, 0, len(ok))
	for _, id := range ids {
		if ok[id] {
			done = append(done, id)
		}
	}
	if len(failed) > 0 {
		return done, &recordsync.BatchError{Op: op, Resource: resource, Succeeded: done, Items: failed}
	}
	return done, nil
}

package orionld

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	entitiesPath = "/ngsi-ld/v1/entities"
	tenantHeader = "NGSILD-Tenant"
)

// Client talks to an NGSI-LD broker over HTTP.
type Client struct {
	http    *resty.Client
	context string
}

// NewClient creates a client for baseURL. contextLink, when set, is sent as
// the JSON-LD Link header on every request.
func NewClient(baseURL string, timeout time.Duration, contextLink string) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: hc, context: contextLink}
}

func (c *Client) request(ctx context.Context, tenant string) *resty.Request {
	r := c.http.R().SetContext(ctx)
	if tenant != "" {
		r.SetHeader(tenantHeader, tenant)
	}
	if c.context != "" {
		r.SetHeader("Link", fmt.Sprintf(`<%s>; rel="http://www.w3.org/ns/json-ld#context"; type="application/ld+json"`, c.context))
	}
	return r
}

func (c *Client) GetEntity(ctx context.Context, tenant, id string, out any) error {
	resp, err := c.request(ctx, tenant).
		SetPathParam("id", id).
		Get(entitiesPath + "/{id}")
	if err != nil {
		return fmt.Errorf("get entity %s: %w", id, err)
	}
	if err := checkStatus(resp, id); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode entity %s: %w", id, err)
	}
	return nil
}

func (c *Client) CreateEntity(ctx context.Context, tenant string, entity any) error {
	resp, err := c.request(ctx, tenant).
		SetHeader("Content-Type", "application/json").
		SetBody(entity).
		Post(entitiesPath)
	if err != nil {
		return fmt.Errorf("create entity: %w", err)
	}
	return checkStatus(resp, "")
}

func (c *Client) UpdateEntity(ctx context.Context, tenant, id string, attrs any) error {
	resp, err := c.request(ctx, tenant).
		SetHeader("Content-Type", "application/json").
		SetPathParam("id", id).
		SetBody(attrs).
		Patch(entitiesPath + "/{id}/attrs")
	if err != nil {
		return fmt.Errorf("update entity %s: %w", id, err)
	}
	return checkStatus(resp, id)
}

func checkStatus(resp *resty.Response, id string) error {
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case code == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, id)
	case code >= 300:
		log.Debug().Int("status", code).Str("entity", id).Bytes("body", resp.Body()).Msg("context broker error")
		return fmt.Errorf("context broker %s %s: status %d", resp.Request.Method, resp.Request.URL, code)
	}
	return nil
}

// Package force is a client for the Salesforce REST API.
//
// Client talks to a single instance with a fixed access token. ResilientClient
// wraps it with re-authentication and transient-failure retries, building a
// fresh Client from current credentials on every attempt.
package force

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ahimsalabs/forcestream-go/forcestream"
)

// DefaultTimeout bounds each REST request.
const DefaultTimeout = 30 * time.Second

// API is the REST surface used by ResilientClient. *Client implements it.
//
// Methods that return records decode them into dst, which must be a
// pointer: to a slice for Query and Search, to a struct or map for
// QuerySingle and GetObjectByID.
type API interface {
	CountQuery(ctx context.Context, soql string, queryAll bool) (int, error)
	Query(ctx context.Context, soql string, queryAll bool, dst any) error
	QuerySingle(ctx context.Context, soql string, queryAll bool, dst any) error
	CreateRecord(ctx context.Context, objectType string, record any, headers map[string]string) (*CreateResponse, error)
	UpdateRecord(ctx context.Context, objectType, id string, record any, headers map[string]string) error
	InsertOrUpdateRecord(ctx context.Context, objectType, field, value string, record any, headers map[string]string) (*CreateResponse, error)
	DeleteRecord(ctx context.Context, objectType, id string) error
	GetObjectByID(ctx context.Context, objectType, id string, fields []string, dst any) error
	DescribeGlobal(ctx context.Context) (*DescribeGlobal, error)
	GetObjectBasicInfo(ctx context.Context, objectType string) (*SObjectBasicInfo, error)
	GetObjectDescribe(ctx context.Context, objectType string) (*SObjectDescribe, error)
	Search(ctx context.Context, sosl string, dst any) error
	GetOrganizationLimits(ctx context.Context) (OrganizationLimits, error)
	GetUserInfo(ctx context.Context, identityURL string) (*UserInfo, error)
	GetAvailableRestAPIVersions(ctx context.Context) ([]Version, error)
	TestConnection(ctx context.Context) bool
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// HTTPClient is the underlying HTTP client. Default: http.DefaultClient.
	HTTPClient *http.Client

	// Timeout bounds each request. Default: DefaultTimeout.
	Timeout time.Duration
}

// Client calls the REST API of one instance with one access token.
type Client struct {
	instanceURL string
	baseURL     string // instanceURL + /services/data/v{version}
	identityURL string
	token       string
	httpClient  *http.Client
	timeout     time.Duration
}

var _ API = (*Client)(nil)

// NewClient creates a client for creds. Pass nil for cfg to use defaults.
func NewClient(creds *forcestream.Credentials, cfg *ClientConfig) *Client {
	version := strings.TrimPrefix(creds.APIVersion, "v")
	if version == "" {
		version = forcestream.DefaultAPIVersion
	}
	instance := strings.TrimRight(creds.InstanceURL, "/")
	c := &Client{
		instanceURL: instance,
		baseURL:     instance + "/services/data/v" + version,
		identityURL: creds.ID,
		token:       creds.AccessToken,
		httpClient:  http.DefaultClient,
		timeout:     DefaultTimeout,
	}
	if cfg != nil {
		if cfg.HTTPClient != nil {
			c.httpClient = cfg.HTTPClient
		}
		if cfg.Timeout > 0 {
			c.timeout = cfg.Timeout
		}
	}
	return c
}

// Factory returns a ClientFactory that builds Clients with cfg.
func Factory(cfg *ClientConfig) ClientFactory {
	return func(creds *forcestream.Credentials) API {
		return NewClient(creds, cfg)
	}
}

// CountQuery runs a COUNT() query and returns totalSize.
func (c *Client) CountQuery(ctx context.Context, soql string, queryAll bool) (int, error) {
	var page QueryResult
	if err := c.get(ctx, c.queryURL(soql, queryAll), &page); err != nil {
		return 0, err
	}
	return page.TotalSize, nil
}

// Query runs soql, following nextRecordsUrl until every page is read, and
// decodes the records into dst.
func (c *Client) Query(ctx context.Context, soql string, queryAll bool, dst any) error {
	records, err := c.queryAll(ctx, soql, queryAll)
	if err != nil {
		return err
	}
	return decodeRecords(records, dst)
}

// QuerySingle runs soql and decodes its only record into dst. It returns
// ErrNoRecords or ErrTooManyRecords when the query does not match exactly
// one record.
func (c *Client) QuerySingle(ctx context.Context, soql string, queryAll bool, dst any) error {
	var page QueryResult
	if err := c.get(ctx, c.queryURL(soql, queryAll), &page); err != nil {
		return err
	}
	switch {
	case len(page.Records) == 0:
		return ErrNoRecords
	case len(page.Records) > 1 || page.TotalSize > 1:
		return fmt.Errorf("%w: %d", ErrTooManyRecords, page.TotalSize)
	}
	if err := json.Unmarshal(page.Records[0], dst); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// CreateRecord inserts record as objectType.
func (c *Client) CreateRecord(ctx context.Context, objectType string, record any, headers map[string]string) (*CreateResponse, error) {
	var resp CreateResponse
	u := c.baseURL + "/sobjects/" + url.PathEscape(objectType)
	if err := c.do(ctx, http.MethodPost, u, record, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateRecord patches the record with id.
func (c *Client) UpdateRecord(ctx context.Context, objectType, id string, record any, headers map[string]string) error {
	u := c.baseURL + "/sobjects/" + url.PathEscape(objectType) + "/" + url.PathEscape(id)
	return c.do(ctx, http.MethodPatch, u, record, headers, nil)
}

// InsertOrUpdateRecord upserts record keyed by the external id field.
// CreateResponse.Created reports whether a record was inserted.
func (c *Client) InsertOrUpdateRecord(ctx context.Context, objectType, field, value string, record any, headers map[string]string) (*CreateResponse, error) {
	var resp CreateResponse
	u := c.baseURL + "/sobjects/" + url.PathEscape(objectType) + "/" + url.PathEscape(field) + "/" + url.PathEscape(value)
	if err := c.do(ctx, http.MethodPatch, u, record, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteRecord deletes the record with id.
func (c *Client) DeleteRecord(ctx context.Context, objectType, id string) error {
	u := c.baseURL + "/sobjects/" + url.PathEscape(objectType) + "/" + url.PathEscape(id)
	return c.do(ctx, http.MethodDelete, u, nil, nil, nil)
}

// GetObjectByID fetches one record, optionally restricted to fields.
func (c *Client) GetObjectByID(ctx context.Context, objectType, id string, fields []string, dst any) error {
	u := c.baseURL + "/sobjects/" + url.PathEscape(objectType) + "/" + url.PathEscape(id)
	if len(fields) > 0 {
		u += "?" + url.Values{"fields": {strings.Join(fields, ",")}}.Encode()
	}
	return c.get(ctx, u, dst)
}

// DescribeGlobal lists the available object types.
func (c *Client) DescribeGlobal(ctx context.Context) (*DescribeGlobal, error) {
	var out DescribeGlobal
	if err := c.get(ctx, c.baseURL+"/sobjects", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetObjectBasicInfo returns summary metadata for objectType.
func (c *Client) GetObjectBasicInfo(ctx context.Context, objectType string) (*SObjectBasicInfo, error) {
	var out SObjectBasicInfo
	if err := c.get(ctx, c.baseURL+"/sobjects/"+url.PathEscape(objectType), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetObjectDescribe returns full metadata for objectType.
func (c *Client) GetObjectDescribe(ctx context.Context, objectType string) (*SObjectDescribe, error) {
	var out SObjectDescribe
	if err := c.get(ctx, c.baseURL+"/sobjects/"+url.PathEscape(objectType)+"/describe", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search runs a SOSL search and decodes the matches into dst.
func (c *Client) Search(ctx context.Context, sosl string, dst any) error {
	var out SearchResult
	u := c.baseURL + "/search?" + url.Values{"q": {sosl}}.Encode()
	if err := c.get(ctx, u, &out); err != nil {
		return err
	}
	return decodeRecords(out.SearchRecords, dst)
}

// GetOrganizationLimits returns the org's API limits.
func (c *Client) GetOrganizationLimits(ctx context.Context) (OrganizationLimits, error) {
	var out OrganizationLimits
	if err := c.get(ctx, c.baseURL+"/limits", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetUserInfo fetches the identity at identityURL. An empty identityURL
// uses the id from the client's credentials.
func (c *Client) GetUserInfo(ctx context.Context, identityURL string) (*UserInfo, error) {
	if identityURL == "" {
		identityURL = c.identityURL
	}
	if identityURL == "" {
		return nil, fmt.Errorf("force: no identity url")
	}
	var out UserInfo
	if err := c.get(ctx, identityURL, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAvailableRestAPIVersions lists the API versions the instance serves.
func (c *Client) GetAvailableRestAPIVersions(ctx context.Context) ([]Version, error) {
	var out []Version
	if err := c.get(ctx, c.instanceURL+"/services/data", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TestConnection reports whether the instance answers an authenticated
// request.
func (c *Client) TestConnection(ctx context.Context) bool {
	_, err := c.GetAvailableRestAPIVersions(ctx)
	return err == nil
}

func (c *Client) queryURL(soql string, queryAll bool) string {
	path := "/query"
	if queryAll {
		path = "/queryAll"
	}
	return c.baseURL + path + "?" + url.Values{"q": {soql}}.Encode()
}

func (c *Client) queryAll(ctx context.Context, soql string, queryAll bool) ([]json.RawMessage, error) {
	var records []json.RawMessage
	next := c.queryURL(soql, queryAll)
	for next != "" {
		var page QueryResult
		if err := c.get(ctx, next, &page); err != nil {
			return nil, err
		}
		records = append(records, page.Records...)
		next = ""
		if !page.Done && page.NextRecordsURL != "" {
			next = c.instanceURL + page.NextRecordsURL
		}
	}
	return records, nil
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	return c.do(ctx, http.MethodGet, u, nil, nil, out)
}

// do sends one request and decodes a JSON response into out when out is
// non-nil and the response has a body.
func (c *Client) do(ctx context.Context, method, u string, body any, headers map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeRecords(records []json.RawMessage, dst any) error {
	if records == nil {
		records = []json.RawMessage{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode records: %w", err)
	}
	return nil
}

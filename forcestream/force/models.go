package force

import "encoding/json"

// CreateResponse is returned by record create and upsert.
type CreateResponse struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Created bool        `json:"created"`
	Errors  []errorItem `json:"errors"`
}

// QueryResult is one page of query results.
type QueryResult struct {
	TotalSize      int               `json:"totalSize"`
	Done           bool              `json:"done"`
	NextRecordsURL string            `json:"nextRecordsUrl,omitempty"`
	Records        []json.RawMessage `json:"records"`
}

// SearchResult is the response of a SOSL search.
type SearchResult struct {
	SearchRecords []json.RawMessage `json:"searchRecords"`
}

// SObjectSummary describes an object type briefly.
type SObjectSummary struct {
	Name        string            `json:"name"`
	Label       string            `json:"label"`
	LabelPlural string            `json:"labelPlural"`
	KeyPrefix   string            `json:"keyPrefix"`
	Custom      bool              `json:"custom"`
	Queryable   bool              `json:"queryable"`
	Createable  bool              `json:"createable"`
	Updateable  bool              `json:"updateable"`
	Deletable   bool              `json:"deletable"`
	URLs        map[string]string `json:"urls"`
}

// DescribeGlobal lists the object types available to the user.
type DescribeGlobal struct {
	Encoding     string           `json:"encoding"`
	MaxBatchSize int              `json:"maxBatchSize"`
	SObjects     []SObjectSummary `json:"sobjects"`
}

// SObjectBasicInfo is the response of GET /sobjects/{type}.
type SObjectBasicInfo struct {
	ObjectDescribe SObjectSummary   `json:"objectDescribe"`
	RecentItems    []map[string]any `json:"recentItems"`
}

// Field describes one field of an object type.
type Field struct {
	Name        string   `json:"name"`
	Label       string   `json:"label"`
	Type        string   `json:"type"`
	Length      int      `json:"length"`
	Nillable    bool     `json:"nillable"`
	Custom      bool     `json:"custom"`
	Unique      bool     `json:"unique"`
	ExternalID  bool     `json:"externalId"`
	ReferenceTo []string `json:"referenceTo"`
}

// SObjectDescribe is the full description of an object type.
type SObjectDescribe struct {
	SObjectSummary
	Fields []Field `json:"fields"`
}

// Limit is one organization limit.
type Limit struct {
	Max       int `json:"Max"`
	Remaining int `json:"Remaining"`
}

// OrganizationLimits maps limit names to their values.
type OrganizationLimits map[string]Limit

// UserInfo is the identity of the authenticated user.
type UserInfo struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Username       string `json:"username"`
	DisplayName    string `json:"display_name"`
	Email          string `json:"email"`
	UserType       string `json:"user_type"`
	Active         bool   `json:"active"`
	Locale         string `json:"locale"`
}

// Version is an available REST API version.
type Version struct {
	Label   string `json:"label"`
	URL     string `json:"url"`
	Version string `json:"version"`
}

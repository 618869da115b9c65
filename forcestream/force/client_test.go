package force_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahimsalabs/forcestream-go/forcestream"
	"github.com/ahimsalabs/forcestream-go/forcestream/force"
)

type account struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

func newTestClient(t *testing.T, h http.Handler) (*force.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	creds := &forcestream.Credentials{
		AccessToken: "tok",
		InstanceURL: srv.URL,
		APIVersion:  "44.0",
		ID:          srv.URL + "/id/00D/005",
	}
	return force.NewClient(creds, nil), srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_QueryFollowsPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /services/data/v44.0/query", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "SELECT Id, Name FROM Account", r.URL.Query().Get("q"))
		writeJSON(w, http.StatusOK, map[string]any{
			"totalSize":      3,
			"done":           false,
			"nextRecordsUrl": "/services/data/v44.0/query/01g-2000",
			"records": []map[string]string{
				{"Id": "001A", "Name": "Acme"},
				{"Id": "001B", "Name": "Globex"},
			},
		})
	})
	mux.HandleFunc("GET /services/data/v44.0/query/01g-2000", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"totalSize": 3,
			"done":      true,
			"records":   []map[string]string{{"Id": "001C", "Name": "Initech"}},
		})
	})
	client, _ := newTestClient(t, mux)

	var got []account
	err := client.Query(context.Background(), "SELECT Id, Name FROM Account", false, &got)
	require.NoError(t, err)
	assert.Equal(t, []account{
		{ID: "001A", Name: "Acme"},
		{ID: "001B", Name: "Globex"},
		{ID: "001C", Name: "Initech"},
	}, got)
}

func TestClient_QueryAllEndpoint(t *testing.T) {
	var path string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{"totalSize": 7, "done": true, "records": []any{}})
	}))

	n, err := client.CountQuery(context.Background(), "SELECT COUNT() FROM Account", true)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "/services/data/v44.0/queryAll", path)
}

func TestClient_QuerySingle(t *testing.T) {
	tests := []struct {
		name    string
		records []map[string]string
		wantErr error
	}{
		{name: "no records", records: nil, wantErr: force.ErrNoRecords},
		{name: "one record", records: []map[string]string{{"Id": "001A", "Name": "Acme"}}},
		{
			name:    "too many records",
			records: []map[string]string{{"Id": "001A"}, {"Id": "001B"}},
			wantErr: force.ErrTooManyRecords,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{
					"totalSize": len(tt.records),
					"done":      true,
					"records":   tt.records,
				})
			}))

			var got account
			err := client.QuerySingle(context.Background(), "SELECT Id FROM Account", false, &got)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Acme", got.Name)
		})
	}
}

func TestClient_CreateRecord(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/services/data/v44.0/sobjects/Account", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "false", r.Header.Get("Sforce-Auto-Assign"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"Name":"Acme"}`, string(body))
		writeJSON(w, http.StatusCreated, map[string]any{"id": "001A", "success": true, "errors": []any{}})
	}))

	resp, err := client.CreateRecord(context.Background(), "Account",
		map[string]string{"Name": "Acme"},
		map[string]string{"Sforce-Auto-Assign": "false"})
	require.NoError(t, err)
	assert.Equal(t, "001A", resp.ID)
	assert.True(t, resp.Success)
}

func TestClient_UpsertAndDelete(t *testing.T) {
	var calls []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch r.Method {
		case http.MethodPatch:
			writeJSON(w, http.StatusCreated, map[string]any{"id": "001A", "success": true, "created": true})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	ctx := context.Background()

	resp, err := client.InsertOrUpdateRecord(ctx, "Account", "Ext_Id__c", "42", map[string]string{"Name": "Acme"}, nil)
	require.NoError(t, err)
	assert.True(t, resp.Created)

	require.NoError(t, client.UpdateRecord(ctx, "Account", "001A", map[string]string{"Name": "Acme Corp"}, nil))
	require.NoError(t, client.DeleteRecord(ctx, "Account", "001A"))

	assert.Equal(t, []string{
		"PATCH /services/data/v44.0/sobjects/Account/Ext_Id__c/42",
		"PATCH /services/data/v44.0/sobjects/Account/001A",
		"DELETE /services/data/v44.0/sobjects/Account/001A",
	}, calls)
}

func TestClient_GetObjectByIDFields(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Id,Name", r.URL.Query().Get("fields"))
		writeJSON(w, http.StatusOK, map[string]string{"Id": "001A", "Name": "Acme"})
	}))

	var got account
	err := client.GetObjectByID(context.Background(), "Account", "001A", []string{"Id", "Name"}, &got)
	require.NoError(t, err)
	assert.Equal(t, account{ID: "001A", Name: "Acme"}, got)
}

func TestClient_Metadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /services/data/v44.0/sobjects", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"encoding":     "UTF-8",
			"maxBatchSize": 200,
			"sobjects":     []map[string]any{{"name": "Account", "label": "Account", "queryable": true}},
		})
	})
	mux.HandleFunc("GET /services/data/v44.0/sobjects/Account/describe", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":   "Account",
			"fields": []map[string]any{{"name": "Name", "type": "string", "length": 255}},
		})
	})
	mux.HandleFunc("GET /services/data/v44.0/limits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"DailyApiRequests": map[string]int{"Max": 15000, "Remaining": 14998}})
	})
	mux.HandleFunc("GET /services/data", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]string{{"label": "Winter '19", "url": "/services/data/v44.0", "version": "44.0"}})
	})
	mux.HandleFunc("GET /id/00D/005", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"user_id": "005", "organization_id": "00D", "username": "ops@example.com"})
	})
	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	global, err := client.DescribeGlobal(ctx)
	require.NoError(t, err)
	require.Len(t, global.SObjects, 1)
	assert.Equal(t, "Account", global.SObjects[0].Name)

	desc, err := client.GetObjectDescribe(ctx, "Account")
	require.NoError(t, err)
	require.Len(t, desc.Fields, 1)
	assert.Equal(t, "Name", desc.Fields[0].Name)

	limits, err := client.GetOrganizationLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 14998, limits["DailyApiRequests"].Remaining)

	versions, err := client.GetAvailableRestAPIVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "44.0", versions[0].Version)

	user, err := client.GetUserInfo(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", user.Username)

	assert.True(t, client.TestConnection(ctx))
}

func TestClient_APIErrors(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		body           string
		wantCode       string
		invalidSession bool
		transient      bool
	}{
		{
			name:           "invalid session array",
			status:         http.StatusUnauthorized,
			body:           `[{"message":"Session expired or invalid","errorCode":"INVALID_SESSION_ID"}]`,
			wantCode:       force.ErrorCodeInvalidSession,
			invalidSession: true,
		},
		{
			name:     "malformed query",
			status:   http.StatusBadRequest,
			body:     `[{"message":"unexpected token","errorCode":"MALFORMED_QUERY"}]`,
			wantCode: "MALFORMED_QUERY",
		},
		{
			name:           "oauth error on 401",
			status:         http.StatusUnauthorized,
			body:           `{"error":"invalid_grant","error_description":"expired access/refresh token"}`,
			wantCode:       force.ErrorCodeInvalidSession,
			invalidSession: true,
		},
		{
			name:      "server error",
			status:    http.StatusServiceUnavailable,
			body:      `unavailable`,
			transient: true,
		},
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			body:      `[{"message":"slow down","errorCode":"REQUEST_LIMIT_EXCEEDED"}]`,
			wantCode:  "REQUEST_LIMIT_EXCEEDED",
			transient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))

			_, err := client.DescribeGlobal(context.Background())
			require.Error(t, err)

			var apiErr *force.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantCode, apiErr.ErrorCode)
			assert.Equal(t, tt.invalidSession, force.IsInvalidSession(err))
			assert.Equal(t, tt.invalidSession, errors.Is(err, forcestream.ErrAuthentication))
			assert.Equal(t, tt.transient, force.IsTransient(err))
			assert.False(t, client.TestConnection(context.Background()))
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "network", err: errors.New("connection reset by peer"), want: true},
		{name: "canceled", err: fmt.Errorf("execute request: %w", context.Canceled), want: false},
		{name: "request timeout", err: fmt.Errorf("execute request: %w", context.DeadlineExceeded), want: true},
		{name: "auth", err: &forcestream.AuthError{Op: "Query", Err: errors.New("denied")}, want: false},
		{name: "not found", err: &force.APIError{StatusCode: http.StatusNotFound}, want: false},
		{name: "internal", err: &force.APIError{StatusCode: http.StatusInternalServerError}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, force.IsTransient(tt.err))
		})
	}
}

func TestIsInvalidSession_MessageText(t *testing.T) {
	err := errors.New("upstream: ErrorCode INVALID_SESSION_ID: Session expired")
	assert.True(t, force.IsInvalidSession(err))
	assert.False(t, force.IsInvalidSession(errors.New("ErrorCode MALFORMED_QUERY")))
	assert.False(t, force.IsInvalidSession(nil))
}

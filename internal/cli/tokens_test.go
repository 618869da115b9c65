package cli

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTokens(t *testing.T) {
	ta, _, ts := newOrgApp(t)
	var authURL string
	// Stands in for the browser: the fake org redirects straight back to
	// the callback with a code.
	ta.openURL = func(u string) error {
		authURL = u
		resp, err := http.Get(u)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}

	require.Equal(t, 0, ta.run("get-tokens", "--timeout", "5s"), ta.stderr.String())

	out := ta.stdout.String()
	assert.Contains(t, out, "instance_url  = "+ts.URL)
	assert.Contains(t, out, "access_token  = 00Dfake!token-1")
	assert.Contains(t, out, "refresh_token = refresh-1")

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client", q.Get("client_id"))
	assert.Equal(t, "api refresh_token offline_access", q.Get("scope"))
	assert.NotEmpty(t, q.Get("state"))
}

func TestGetTokens_RequiresClientID(t *testing.T) {
	ta := newTestApp(nil)
	assert.Equal(t, 1, ta.run("get-tokens", "--no-browser"))
	assert.Contains(t, ta.stderr.String(), "clientId is required")
}

func TestGetTokens_Timeout(t *testing.T) {
	ta, _, _ := newOrgApp(t)
	assert.Equal(t, 1, ta.run("get-tokens", "--no-browser", "--timeout", "50ms"))
	assert.Contains(t, ta.stderr.String(), "no callback within 50ms")
}

func TestCallbackHandler(t *testing.T) {
	cases := []struct {
		name       string
		query      string
		wantStatus int
		wantCode   string
		wantErr    string
	}{
		{name: "code", query: "state=s1&code=abc", wantStatus: http.StatusOK, wantCode: "abc"},
		{name: "denied", query: "state=s1&error=access_denied&error_description=end-user+denied", wantStatus: http.StatusOK, wantErr: "access_denied: end-user denied"},
		{name: "no code", query: "state=s1", wantStatus: http.StatusOK, wantErr: "malformed authorization response"},
		{name: "wrong state", query: "state=other&code=abc", wantStatus: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			results := make(chan callbackResult, 1)
			rec := httptest.NewRecorder()
			callbackHandler("s1", results).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?"+tc.query, nil))
			assert.Equal(t, tc.wantStatus, rec.Code)

			if tc.wantStatus != http.StatusOK {
				assert.Empty(t, results)
				return
			}
			res := <-results
			assert.Equal(t, tc.wantCode, res.code)
			if tc.wantErr == "" {
				assert.NoError(t, res.err)
			} else {
				assert.ErrorContains(t, res.err, tc.wantErr)
			}
		})
	}
}

func TestCallbackHandler_IgnoresOtherPaths(t *testing.T) {
	results := make(chan callbackResult, 1)
	rec := httptest.NewRecorder()
	callbackHandler("s1", results).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, results)
}

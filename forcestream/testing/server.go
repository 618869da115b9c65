package testing

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahimsalabs/forcestream-go/forcestream"
	"github.com/ahimsalabs/forcestream-go/forcestream/bayeux"
)

const (
	defaultLongPollTimeout = 30 * time.Second
	defaultRetention       = 1000
)

// Error texts the fake server sends, matching the ones Salesforce sends.
const (
	ErrHandshakeDenied = "403::Handshake denied"
	ErrUnknownClient   = "403::Unknown client"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// APIVersion is the REST and CometD version served.
	// Default: forcestream.DefaultAPIVersion.
	APIVersion string

	// LongPollTimeout is the maximum time a /meta/connect is held open.
	// Default: 30s.
	LongPollTimeout time.Duration

	// ClientID and RefreshToken, when set, are required by the token
	// endpoint.
	ClientID     string
	RefreshToken string

	// Retention is the number of events kept per channel for replay.
	// Default: 1000.
	Retention int
}

// Server is a fake Salesforce org for tests and local development.
//
// It serves the OAuth token and authorize endpoints, a CometD endpoint with
// the replay extension at /cometd/{version}, and a small subset of the REST
// API backed by in-memory records. Access tokens are opaque strings issued
// by the token endpoint; RevokeTokens expires all of them, which makes the
// CometD endpoint answer like an org whose session has ended.
type Server struct {
	mux             *http.ServeMux
	apiVersion      string
	longPollTimeout time.Duration
	clientID        string
	refreshToken    string
	retention       int

	mu         sync.Mutex
	tokenSeq   int
	tokens     map[string]bool
	clientSeq  int
	clients    map[string]*cometClient
	channels   map[string]*channelLog
	records    map[string][]map[string]any
	recordSeq  int
	handshakes int
}

type cometClient struct {
	id    string
	token string
	subs  map[string]bool
	queue []*bayeux.Message
	wake  chan struct{}
}

type channelLog struct {
	lastID int64
	events []*bayeux.Message
}

// NewServer creates a fake org. Pass nil for cfg to use defaults.
func NewServer(cfg *ServerConfig) *Server {
	s := &Server{
		mux:             http.NewServeMux(),
		apiVersion:      forcestream.DefaultAPIVersion,
		longPollTimeout: defaultLongPollTimeout,
		retention:       defaultRetention,
		tokens:          make(map[string]bool),
		clients:         make(map[string]*cometClient),
		channels:        make(map[string]*channelLog),
		records:         make(map[string][]map[string]any),
	}
	if cfg != nil {
		if cfg.APIVersion != "" {
			s.apiVersion = cfg.APIVersion
		}
		if cfg.LongPollTimeout > 0 {
			s.longPollTimeout = cfg.LongPollTimeout
		}
		if cfg.Retention > 0 {
			s.retention = cfg.Retention
		}
		s.clientID = cfg.ClientID
		s.refreshToken = cfg.RefreshToken
	}

	data := "/services/data/v" + s.apiVersion
	s.mux.HandleFunc("POST "+forcestream.DefaultOAuthURI, s.handleToken)
	s.mux.HandleFunc("GET "+forcestream.DefaultOAuthorizeURI, s.handleAuthorize)
	s.mux.HandleFunc("POST /cometd/"+s.apiVersion, s.handleCometD)
	s.mux.HandleFunc("GET /services/data", s.authenticated(s.handleVersions))
	s.mux.HandleFunc("GET "+data+"/query", s.authenticated(s.handleQuery))
	s.mux.HandleFunc("GET "+data+"/queryAll", s.authenticated(s.handleQuery))
	s.mux.HandleFunc("GET "+data+"/limits", s.authenticated(s.handleLimits))
	s.mux.HandleFunc("GET "+data+"/sobjects", s.authenticated(s.handleDescribeGlobal))
	s.mux.HandleFunc("GET "+data+"/search", s.authenticated(s.handleSearch))
	s.mux.HandleFunc("GET "+data+"/sobjects/{type}", s.authenticated(s.handleBasicInfo))
	s.mux.HandleFunc("GET "+data+"/sobjects/{type}/describe", s.authenticated(s.handleDescribe))
	s.mux.HandleFunc("PATCH "+data+"/sobjects/{type}/{field}/{value}", s.authenticated(s.handleUpsert))
	s.mux.HandleFunc("POST "+data+"/sobjects/{type}", s.authenticated(s.handleCreate))
	s.mux.HandleFunc("GET "+data+"/sobjects/{type}/{id}", s.authenticated(s.handleGet))
	s.mux.HandleFunc("PATCH "+data+"/sobjects/{type}/{id}", s.authenticated(s.handleUpdate))
	s.mux.HandleFunc("DELETE "+data+"/sobjects/{type}/{id}", s.authenticated(s.handleDelete))
	s.mux.HandleFunc("GET /id/{org}/{user}", s.authenticated(s.handleIdentity))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Publish appends an event to channel and delivers it to subscribed
// clients. It returns the event's replay id.
func (s *Server) Publish(channel string, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.channelLocked(channel)
	log.lastID++
	data, _ := json.Marshal(map[string]any{
		"schema":  "fake-schema",
		"payload": json.RawMessage(raw),
		"event": map[string]any{
			"replayId":  log.lastID,
			"EventUuid": uuid.NewString(),
		},
	})
	msg := &bayeux.Message{Channel: channel, Data: data}
	log.events = append(log.events, msg)
	if len(log.events) > s.retention {
		log.events = log.events[len(log.events)-s.retention:]
	}

	for _, c := range s.clients {
		if c.subs[channel] {
			c.enqueue(msg)
		}
	}
	return log.lastID, nil
}

// RevokeTokens expires every access token issued so far.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok := range s.tokens {
		s.tokens[tok] = false
	}
}

// TokensIssued returns how many access tokens the token endpoint issued.
func (s *Server) TokensIssued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenSeq
}

// Handshakes returns how many successful handshakes the server accepted.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Subscribers returns how many clients are subscribed to channel.
func (s *Server) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		if c.subs[channel] {
			n++
		}
	}
	return n
}

// AddRecords stores records of objectType. Records without an Id get one.
func (s *Server) AddRecords(objectType string, records ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		rec = s.withIDLocked(objectType, rec)
		s.records[objectType] = append(s.records[objectType], rec)
	}
}

func (s *Server) channelLocked(name string) *channelLog {
	log, ok := s.channels[name]
	if !ok {
		log = &channelLog{}
		s.channels[name] = log
	}
	return log
}

func (s *Server) withIDLocked(objectType string, rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec)+2)
	for k, v := range rec {
		out[k] = v
	}
	if _, ok := out["Id"]; !ok {
		s.recordSeq++
		out["Id"] = fmt.Sprintf("%s%015d", strings.ToLower(objectType[:min(3, len(objectType))]), s.recordSeq)
	}
	out["attributes"] = map[string]string{"type": objectType}
	return out
}

func (c *cometClient) enqueue(msg *bayeux.Message) {
	c.queue = append(c.queue, msg)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// OAuth

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	clientID := r.PostForm.Get("client_id")
	if user, _, ok := r.BasicAuth(); ok {
		clientID = user
	}
	if s.clientID != "" && clientID != s.clientID {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client_id", "error_description": "client identifier invalid"})
		return
	}

	grant := r.PostForm.Get("grant_type")
	switch grant {
	case "refresh_token":
		if s.refreshToken != "" && r.PostForm.Get("refresh_token") != s.refreshToken {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "expired access/refresh token"})
			return
		}
	case "authorization_code":
		if r.PostForm.Get("code") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "invalid authorization code"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type", "error_description": "grant type not supported"})
		return
	}

	s.mu.Lock()
	s.tokenSeq++
	token := fmt.Sprintf("00Dfake!token-%d", s.tokenSeq)
	s.tokens[token] = true
	s.mu.Unlock()

	base := baseURL(r)
	body := map[string]string{
		"access_token": token,
		"instance_url": base,
		"id":           base + "/id/00Dfake/005fake",
		"token_type":   "Bearer",
		"issued_at":    strconv.FormatInt(time.Now().UnixMilli(), 10),
		"signature":    "fake",
	}
	if grant == "authorization_code" {
		body["refresh_token"] = "fake-refresh-token"
		if s.refreshToken != "" {
			body["refresh_token"] = s.refreshToken
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	redirect, err := url.Parse(r.URL.Query().Get("redirect_uri"))
	if err != nil || redirect.String() == "" {
		http.Error(w, "missing redirect_uri", http.StatusBadRequest)
		return
	}
	q := redirect.Query()
	q.Set("code", "fake-authorization-code")
	if state := r.URL.Query().Get("state"); state != "" {
		q.Set("state", state)
	}
	redirect.RawQuery = q.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (s *Server) tokenValid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[token]
}

// CometD

func (s *Server) handleCometD(w http.ResponseWriter, r *http.Request) {
	var msgs []*bayeux.Message
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
		http.Error(w, "malformed message batch", http.StatusBadRequest)
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ")
	valid := s.tokenValid(token)

	var replies []*bayeux.Message
	for _, m := range msgs {
		switch m.Channel {
		case bayeux.ChannelHandshake:
			replies = append(replies, s.handshake(m, token, valid))
		case bayeux.ChannelConnect:
			replies = append(replies, s.connect(r.Context(), m, valid)...)
		case bayeux.ChannelSubscribe:
			replies = append(replies, s.subscribe(m, valid))
		case bayeux.ChannelUnsubscribe:
			replies = append(replies, s.unsubscribe(m))
		case bayeux.ChannelDisconnect:
			replies = append(replies, s.disconnect(m))
		default:
			replies = append(replies, &bayeux.Message{Channel: m.Channel, ID: m.ID, Error: "403::publish not supported"})
		}
	}
	writeJSON(w, http.StatusOK, replies)
}

func (s *Server) handshake(m *bayeux.Message, token string, valid bool) *bayeux.Message {
	if !valid {
		return &bayeux.Message{
			Channel: m.Channel,
			ID:      m.ID,
			Error:   ErrHandshakeDenied,
			Advice:  &bayeux.Advice{Reconnect: bayeux.ReconnectNone},
		}
	}

	s.mu.Lock()
	s.clientSeq++
	s.handshakes++
	c := &cometClient{
		id:    fmt.Sprintf("fake-client-%d", s.clientSeq),
		token: token,
		subs:  make(map[string]bool),
		wake:  make(chan struct{}, 1),
	}
	s.clients[c.id] = c
	s.mu.Unlock()

	return &bayeux.Message{
		Channel:                  m.Channel,
		ID:                       m.ID,
		ClientID:                 c.id,
		Version:                  "1.0",
		SupportedConnectionTypes: []string{"long-polling"},
		Successful:               true,
		Ext:                      map[string]any{"replay": true},
		Advice: &bayeux.Advice{
			Reconnect: bayeux.ReconnectRetry,
			Timeout:   s.longPollTimeout.Milliseconds(),
		},
	}
}

func (s *Server) lookupClient(id string) *cometClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[id]
}

func (s *Server) unknownClient(m *bayeux.Message) *bayeux.Message {
	return &bayeux.Message{
		Channel: m.Channel,
		ID:      m.ID,
		Error:   ErrUnknownClient,
		Advice:  &bayeux.Advice{Reconnect: bayeux.ReconnectHandshake},
	}
}

func (s *Server) connect(ctx context.Context, m *bayeux.Message, valid bool) []*bayeux.Message {
	c := s.lookupClient(m.ClientID)
	if c == nil || !valid {
		if c != nil {
			s.dropClient(c.id)
		}
		return []*bayeux.Message{s.unknownClient(m)}
	}

	// Use the shorter of the request context deadline or longPollTimeout.
	timeout := s.longPollTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	s.mu.Lock()
	ready := len(c.queue) > 0
	s.mu.Unlock()
	if !ready {
		select {
		case <-c.wake:
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	events := c.queue
	c.queue = nil
	s.mu.Unlock()

	reply := &bayeux.Message{
		Channel:    m.Channel,
		ID:         m.ID,
		ClientID:   c.id,
		Successful: true,
		Advice: &bayeux.Advice{
			Reconnect: bayeux.ReconnectRetry,
			Timeout:   s.longPollTimeout.Milliseconds(),
		},
	}
	return append([]*bayeux.Message{reply}, events...)
}

func (s *Server) subscribe(m *bayeux.Message, valid bool) *bayeux.Message {
	c := s.lookupClient(m.ClientID)
	if c == nil || !valid {
		return s.unknownClient(m)
	}

	cursor := forcestream.NoReplay
	if ext, ok := m.Ext["replay"].(map[string]any); ok {
		if v, ok := ext[m.Subscription].(float64); ok {
			cursor = int64(v)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.channelLocked(m.Subscription)
	if cursor > log.lastID || cursor < forcestream.ReplayAll {
		return &bayeux.Message{
			Channel:      m.Channel,
			ID:           m.ID,
			Subscription: m.Subscription,
			Error: fmt.Sprintf("400::The replayId {%d} you provided was invalid.  "+
				"Please provide a valid ID, -2 to replay all events, or -1 to replay only new events.", cursor),
		}
	}

	c.subs[m.Subscription] = true
	if cursor != forcestream.NoReplay {
		for _, ev := range log.events {
			if id, ok := bayeux.EventReplayID(ev); ok && id > cursor {
				c.enqueue(ev)
			}
		}
	}
	return &bayeux.Message{Channel: m.Channel, ID: m.ID, Subscription: m.Subscription, Successful: true}
}

func (s *Server) unsubscribe(m *bayeux.Message) *bayeux.Message {
	c := s.lookupClient(m.ClientID)
	if c == nil {
		return s.unknownClient(m)
	}
	s.mu.Lock()
	delete(c.subs, m.Subscription)
	s.mu.Unlock()
	return &bayeux.Message{Channel: m.Channel, ID: m.ID, Subscription: m.Subscription, Successful: true}
}

func (s *Server) disconnect(m *bayeux.Message) *bayeux.Message {
	s.dropClient(m.ClientID)
	return &bayeux.Message{Channel: m.Channel, ID: m.ID, Successful: true}
}

func (s *Server) dropClient(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// REST

type restError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

func writeRESTError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, []restError{{Message: msg, ErrorCode: code}})
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !s.tokenValid(token) {
			writeRESTError(w, http.StatusUnauthorized, "INVALID_SESSION_ID", "Session expired or invalid")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]string{{
		"label":   "Fake",
		"url":     "/services/data/v" + s.apiVersion,
		"version": s.apiVersion,
	}})
}

var fromClause = regexp.MustCompile(`(?i)\bfrom\s+(\w+)`)

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	soql := r.URL.Query().Get("q")
	match := fromClause.FindStringSubmatch(soql)
	if match == nil {
		writeRESTError(w, http.StatusBadRequest, "MALFORMED_QUERY", "unexpected token: "+soql)
		return
	}

	s.mu.Lock()
	records := s.cloneLocked(match[1])
	s.mu.Unlock()

	body := map[string]any{"totalSize": len(records), "done": true}
	if strings.Contains(strings.ToUpper(soql), "COUNT()") {
		body["records"] = []any{}
	} else {
		if records == nil {
			records = []map[string]any{}
		}
		body["records"] = records
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]map[string]int{
		"DailyApiRequests":        {"Max": 15000, "Remaining": 14999},
		"DailyStreamingApiEvents": {"Max": 10000, "Remaining": 10000},
	})
}

func (s *Server) handleDescribeGlobal(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	s.mu.Unlock()
	slices.Sort(names)

	sobjects := make([]map[string]any, 0, len(names))
	for _, name := range names {
		sobjects = append(sobjects, map[string]any{"name": name, "label": name, "queryable": true})
	}
	writeJSON(w, http.StatusOK, map[string]any{"encoding": "UTF-8", "maxBatchSize": 200, "sobjects": sobjects})
}

var findClause = regexp.MustCompile(`(?i)\bfind\s*\{([^}]*)\}`)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	match := findClause.FindStringSubmatch(r.URL.Query().Get("q"))
	if match == nil {
		writeRESTError(w, http.StatusBadRequest, "MALFORMED_SEARCH", "No search term found")
		return
	}
	term := strings.ToLower(match[1])

	s.mu.Lock()
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	slices.Sort(names)
	found := []map[string]any{}
	for _, name := range names {
		for _, rec := range s.records[name] {
			for k, v := range rec {
				if str, ok := v.(string); ok && k != "Id" && strings.Contains(strings.ToLower(str), term) {
					found = append(found, maps.Clone(rec))
					break
				}
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"searchRecords": found})
}

func (s *Server) handleBasicInfo(w http.ResponseWriter, r *http.Request) {
	objectType := r.PathValue("type")
	s.mu.Lock()
	records := s.cloneLocked(objectType)
	s.mu.Unlock()
	if records == nil {
		writeRESTError(w, http.StatusNotFound, "NOT_FOUND", "The requested resource does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"objectDescribe": map[string]any{"name": objectType, "label": objectType, "queryable": true},
		"recentItems":    records[:min(len(records), 3)],
	})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	objectType := r.PathValue("type")
	s.mu.Lock()
	records := s.records[objectType]
	var fields []string
	if len(records) > 0 {
		for k := range records[0] {
			if k != "attributes" {
				fields = append(fields, k)
			}
		}
	}
	s.mu.Unlock()
	if records == nil {
		writeRESTError(w, http.StatusNotFound, "NOT_FOUND", "The requested resource does not exist")
		return
	}
	slices.Sort(fields)

	out := make([]map[string]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, map[string]any{"name": f, "label": f, "type": "string"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": objectType, "label": objectType, "fields": out})
}

// cloneLocked copies the records of objectType so they can be encoded
// after the lock is released. It returns nil for an unknown type.
func (s *Server) cloneLocked(objectType string) []map[string]any {
	records, ok := s.records[objectType]
	if !ok {
		return nil
	}
	out := make([]map[string]any, len(records))
	for i, rec := range records {
		out[i] = maps.Clone(rec)
	}
	return out
}

func (s *Server) findLocked(objectType, id string) int {
	return slices.IndexFunc(s.records[objectType], func(rec map[string]any) bool {
		return rec["Id"] == id
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	objectType, id := r.PathValue("type"), r.PathValue("id")
	s.mu.Lock()
	i := s.findLocked(objectType, id)
	var rec map[string]any
	if i >= 0 {
		rec = maps.Clone(s.records[objectType][i])
	}
	s.mu.Unlock()
	if rec == nil {
		writeRESTError(w, http.StatusNotFound, "NOT_FOUND", "The requested resource does not exist")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var rec map[string]any
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeRESTError(w, http.StatusBadRequest, "JSON_PARSER_ERROR", err.Error())
		return
	}
	objectType := r.PathValue("type")
	delete(rec, "Id")

	s.mu.Lock()
	rec = s.withIDLocked(objectType, rec)
	s.records[objectType] = append(s.records[objectType], rec)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"id": rec["Id"], "success": true, "errors": []any{}})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeRESTError(w, http.StatusBadRequest, "JSON_PARSER_ERROR", err.Error())
		return
	}
	objectType, id := r.PathValue("type"), r.PathValue("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(objectType, id)
	if i < 0 {
		writeRESTError(w, http.StatusNotFound, "NOT_FOUND", "The requested resource does not exist")
		return
	}
	for k, v := range patch {
		if k != "Id" {
			s.records[objectType][i][k] = v
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var rec map[string]any
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeRESTError(w, http.StatusBadRequest, "JSON_PARSER_ERROR", err.Error())
		return
	}
	objectType, field, value := r.PathValue("type"), r.PathValue("field"), r.PathValue("value")

	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.records[objectType], func(existing map[string]any) bool {
		return fmt.Sprint(existing[field]) == value
	})
	if i >= 0 {
		existing := s.records[objectType][i]
		for k, v := range rec {
			if k != "Id" {
				existing[k] = v
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": existing["Id"], "success": true, "created": false, "errors": []any{}})
		return
	}

	delete(rec, "Id")
	rec[field] = value
	rec = s.withIDLocked(objectType, rec)
	s.records[objectType] = append(s.records[objectType], rec)
	writeJSON(w, http.StatusCreated, map[string]any{"id": rec["Id"], "success": true, "created": true, "errors": []any{}})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	objectType, id := r.PathValue("type"), r.PathValue("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(objectType, id)
	if i < 0 {
		writeRESTError(w, http.StatusNotFound, "NOT_FOUND", "The requested resource does not exist")
		return
	}
	s.records[objectType] = slices.Delete(s.records[objectType], i, i+1)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":              baseURL(r) + r.URL.Path,
		"user_id":         r.PathValue("user"),
		"organization_id": r.PathValue("org"),
		"username":        "fake.user@example.com",
		"display_name":    "Fake User",
		"email":           "fake.user@example.com",
		"user_type":       "STANDARD",
		"active":          true,
		"locale":          "en_US",
	})
}

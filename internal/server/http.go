package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/calder-ops/gatehouse/internal/core"
	"github.com/calder-ops/gatehouse/internal/metrics"
	"github.com/calder-ops/gatehouse/internal/repository"
	"github.com/calder-ops/gatehouse/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	maxJSONBodyBytes          = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxJSONBody        int64
	metrics            *metrics.Metrics
}

// HTTPOption configures the HTTP handler returned by [NewHTTPHandler].
type HTTPOption func(*HTTPServer)

// WithStreamPollInterval overrides how often the SSE stream polls for new
// flag events. Values <= 0 keep the default.
func WithStreamPollInterval(interval time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithMaxJSONBodySize overrides the maximum accepted JSON request body size
// in bytes. Values <= 0 keep the default.
func WithMaxJSONBodySize(size int64) HTTPOption {
	return func(s *HTTPServer) {
		if size > 0 {
			s.maxJSONBody = size
		}
	}
}

// WithHTTPMetrics instruments every route and exposes the registry at
// GET /metrics.
func WithHTTPMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

// contextSpec is the wire form of an evaluation context. StableID takes a
// 32-character hex identifier; Subject derives one from an arbitrary string
// when no explicit identifier is available.
type contextSpec struct {
	Locale   string              `json:"locale,omitempty"`
	Platform string              `json:"platform,omitempty"`
	Version  string              `json:"version,omitempty"`
	StableID string              `json:"stable_id,omitempty"`
	Subject  string              `json:"subject,omitempty"`
	Axes     map[string][]string `json:"axes,omitempty"`
}

type evaluateJSONRequest struct {
	Namespace string                  `json:"namespace,omitempty"`
	Key       string                  `json:"key,omitempty"`
	Context   contextSpec             `json:"context,omitempty"`
	Requests  []evaluateJSONBatchItem `json:"requests,omitempty"`
}

type evaluateJSONBatchItem struct {
	Namespace string      `json:"namespace"`
	Key       string      `json:"key"`
	Context   contextSpec `json:"context"`
}

type evaluateJSONResult struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Error     string `json:"error,omitempty"`
}

type evaluateJSONResponse struct {
	Results []evaluateJSONResult `json:"results"`
}

type explainJSONRequest struct {
	Namespace string      `json:"namespace"`
	Key       string      `json:"key"`
	Context   contextSpec `json:"context,omitempty"`
}

type explainJSONResponse struct {
	Value any        `json:"value"`
	Trace core.Trace `json:"trace"`
}

type createNamespaceJSONRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type setNamespaceDisabledJSONRequest struct {
	Disabled bool `json:"disabled"`
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBody:        maxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	route := func(pattern string, handler http.HandlerFunc) {
		mux.Handle(pattern, server.instrument(pattern, handler))
	}

	route("POST /v1/namespaces", server.handleCreateNamespace)
	route("GET /v1/namespaces", server.handleListNamespaces)
	route("GET /v1/namespaces/{namespace}", server.handleGetNamespace)
	route("DELETE /v1/namespaces/{namespace}", server.handleDeleteNamespace)
	route("PUT /v1/namespaces/{namespace}/disabled", server.handleSetNamespaceDisabled)
	route("POST /v1/namespaces/{namespace}/flags", server.handleCreateFlag)
	route("GET /v1/namespaces/{namespace}/flags", server.handleListFlags)
	route("GET /v1/namespaces/{namespace}/flags/{key}", server.handleGetFlag)
	route("PUT /v1/namespaces/{namespace}/flags/{key}", server.handleUpdateFlag)
	route("DELETE /v1/namespaces/{namespace}/flags/{key}", server.handleDeleteFlag)
	route("POST /v1/evaluate", server.handleEvaluate)
	route("POST /v1/explain", server.handleExplain)
	route("GET /v1/stream", server.handleStream)
	route("GET /healthz", server.handleHealthz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return mux
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) instrument(pattern string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		status := strconv.Itoa(recorder.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern, status).Observe(time.Since(start).Seconds())
	})
}

func (s *HTTPServer) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	var request createNamespaceJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	created, err := s.service.CreateNamespace(r.Context(), request.Name, request.Description)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	namespaces, err := s.service.ListNamespaces(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, namespaces)
}

func (s *HTTPServer) handleGetNamespace(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("namespace"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "namespace is required")
		return
	}

	namespace, err := s.service.GetNamespace(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, namespace)
}

func (s *HTTPServer) handleDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("namespace"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "namespace is required")
		return
	}

	if err := s.service.DeleteNamespace(r.Context(), name); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSetNamespaceDisabled(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("namespace"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "namespace is required")
		return
	}

	var request setNamespaceDisabledJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.SetNamespaceDisabled(r.Context(), name, request.Disabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	namespace := strings.TrimSpace(r.PathValue("namespace"))
	if namespace == "" {
		writeJSONError(w, http.StatusBadRequest, "namespace is required")
		return
	}

	var flag repository.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}
	if strings.TrimSpace(flag.Namespace) != "" && flag.Namespace != namespace {
		writeJSONError(w, http.StatusBadRequest, "path namespace and body namespace must match")
		return
	}
	flag.Namespace = namespace

	created, err := s.service.CreateFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	namespace := strings.TrimSpace(r.PathValue("namespace"))
	key := strings.TrimSpace(r.PathValue("key"))
	if namespace == "" || key == "" {
		writeJSONError(w, http.StatusBadRequest, "namespace and key are required")
		return
	}

	flag, err := s.service.GetFlag(r.Context(), namespace, key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	namespace := strings.TrimSpace(r.PathValue("namespace"))
	if namespace == "" {
		writeJSONError(w, http.StatusBadRequest, "namespace is required")
		return
	}

	flags, err := s.service.ListFlags(r.Context(), namespace)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	namespace := strings.TrimSpace(r.PathValue("namespace"))
	key := strings.TrimSpace(r.PathValue("key"))
	if namespace == "" || key == "" {
		writeJSONError(w, http.StatusBadRequest, "namespace and key are required")
		return
	}

	var flag repository.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) != "" && flag.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	if strings.TrimSpace(flag.Namespace) != "" && flag.Namespace != namespace {
		writeJSONError(w, http.StatusBadRequest, "path namespace and body namespace must match")
		return
	}
	flag.Namespace = namespace
	flag.Key = key

	updated, err := s.service.UpdateFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	namespace := strings.TrimSpace(r.PathValue("namespace"))
	key := strings.TrimSpace(r.PathValue("key"))
	if namespace == "" || key == "" {
		writeJSONError(w, http.StatusBadRequest, "namespace and key are required")
		return
	}

	if err := s.service.DeleteFlag(r.Context(), namespace, key); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	items := make([]evaluateJSONBatchItem, 0)
	switch {
	case len(request.Requests) > 0 && strings.TrimSpace(request.Key) != "":
		writeJSONError(w, http.StatusBadRequest, "use either key or requests")
		return
	case len(request.Requests) > 0:
		items = request.Requests
	case strings.TrimSpace(request.Key) != "":
		items = append(items, evaluateJSONBatchItem{
			Namespace: request.Namespace,
			Key:       request.Key,
			Context:   request.Context,
		})
	default:
		writeJSONError(w, http.StatusBadRequest, "key or requests is required")
		return
	}

	results := make([]evaluateJSONResult, 0, len(items))
	for idx, item := range items {
		if strings.TrimSpace(item.Namespace) == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].namespace is required", idx))
			return
		}
		if strings.TrimSpace(item.Key) == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].key is required", idx))
			return
		}

		evalCtx, err := item.Context.evalContext()
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].context: %s", idx, err))
			return
		}

		result := evaluateJSONResult{Namespace: item.Namespace, Key: item.Key}
		value, err := s.service.Resolve(r.Context(), item.Namespace, item.Key, evalCtx)
		if err != nil {
			result.Error = serviceErrorMessage(err)
		} else {
			result.Value = value
		}
		results = append(results, result)
	}

	writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
}

func (s *HTTPServer) handleExplain(w http.ResponseWriter, r *http.Request) {
	var request explainJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.Namespace) == "" {
		writeJSONError(w, http.StatusBadRequest, "namespace is required")
		return
	}
	if strings.TrimSpace(request.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	evalCtx, err := request.Context.evalContext()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("context: %s", err))
		return
	}

	value, trace, err := s.service.Explain(r.Context(), request.Namespace, request.Key, evalCtx)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, explainJSONResponse{Value: value, Trace: trace})
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	namespace := strings.TrimSpace(r.URL.Query().Get("namespace"))
	if namespace == "" {
		writeJSONError(w, http.StatusBadRequest, "namespace query parameter is required")
		return
	}
	flagKey := strings.TrimSpace(r.URL.Query().Get("flag"))

	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	listEvents := func(since int64) ([]repository.FlagEvent, error) {
		if flagKey != "" {
			return s.service.ListEventsSinceForKey(r.Context(), namespace, since, flagKey)
		}
		return s.service.ListEventsSince(r.Context(), namespace, since)
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.FlagEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := listEvents(currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		streamGauge := s.metrics.ActiveStreams.WithLabelValues("sse")
		streamGauge.Inc()
		defer streamGauge.Dec()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := listEvents(currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// evalContext builds the evaluation context the wire form describes. An
// explicit stable_id must be valid hex; a subject is hashed into one.
func (c contextSpec) evalContext() (core.StaticContext, error) {
	evalCtx := core.StaticContext{
		Locale:   c.Locale,
		Platform: c.Platform,
		Version:  core.Version(c.Version),
		Axes:     c.Axes,
	}

	switch {
	case c.StableID != "":
		id, err := core.ParseStableID(c.StableID)
		if err != nil {
			return core.StaticContext{}, errors.New("invalid stable_id")
		}
		evalCtx.ID = &id
	case c.Subject != "":
		id := core.DeriveStableID(c.Subject)
		evalCtx.ID = &id
	}

	return evalCtx, nil
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "update", "updated":
		return "update"
	case "delete", "deleted":
		return "delete"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRules),
		errors.Is(err, service.ErrInvalidDefault),
		errors.Is(err, service.ErrInvalidAllowlist):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagNotFound), errors.Is(err, service.ErrNamespaceNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidRules):
		return "invalid rules"
	case errors.Is(err, service.ErrInvalidDefault):
		return "invalid default value"
	case errors.Is(err, service.ErrInvalidAllowlist):
		return "invalid allowlist"
	case errors.Is(err, service.ErrFlagNotFound):
		return "flag not found"
	case errors.Is(err, service.ErrNamespaceNotFound):
		return "namespace not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBody))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}

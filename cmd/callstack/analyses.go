package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/callstack/internal/analysis"
	"github.com/getsentry/callstack/internal/errorutil"
	"github.com/getsentry/callstack/internal/event"
	"github.com/getsentry/callstack/internal/eventstream"
	"github.com/getsentry/callstack/internal/flamechart"
	"github.com/getsentry/callstack/internal/httputil"
	"github.com/getsentry/callstack/internal/interval"
	"github.com/getsentry/callstack/internal/tef"
)

type (
	PostAnalysisResponse struct {
		ID string `json:"id"`
	}

	PostRemoteAnalysisRequest struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}

	PostStreamAnalysisRequest struct {
		Name  string `json:"name"`
		Topic string `json:"topic"`
	}

	AnalysisListItem struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Status    analysis.Status `json:"status"`
		CreatedAt time.Time       `json:"created_at"`
	}

	GetAnalysesResponse struct {
		Analyses []AnalysisListItem `json:"analyses"`
	}

	PostRowsRequest struct {
		Entries    []int64 `json:"entries"`
		Start      int64   `json:"start"`
		End        int64   `json:"end"`
		Resolution int     `json:"resolution"`
	}

	PostSnapshotResponse struct {
		Path string `json:"path"`
	}

	streamSource struct {
		*eventstream.Source
		io.Closer
	}
)

func (env *environment) postAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	s := sentry.StartSpan(ctx, "request.body")
	s.Description = "Read request body"
	body, err := io.ReadAll(r.Body)
	s.Finish()
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "trace"
	}
	env.startTrace(w, r, name, body)
}

func (env *environment) postRemoteAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	var body PostRemoteAnalysisRequest
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil || body.URL == "" {
		http.Error(w, "expected a JSON body with a url", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		body.Name = body.URL
	}
	hub.Scope().SetTag("remote_url", body.URL)

	s := sentry.StartSpan(ctx, "http.client")
	s.Description = "Fetch remote trace"
	trace, err := env.fetchRemote(ctx, body.URL)
	s.Finish()
	if err != nil {
		log.Err(err).Str("url", body.URL).Msg("can't fetch remote trace")
		hub.CaptureException(err)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	env.startTrace(w, r, body.Name, trace)
}

func (env *environment) fetchRemote(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := env.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

func (env *environment) startTrace(w http.ResponseWriter, r *http.Request, name string, body []byte) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	s := sentry.StartSpan(ctx, "json.unmarshal")
	s.Description = "Decode trace events"
	trace, err := tef.Decode(bytes.NewReader(body), env.layout)
	s.Finish()
	if err != nil {
		if errors.Is(err, errorutil.ErrDataIntegrity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	a := env.start(name, event.NewSliceSource(trace.Events))
	log.Info().
		Str("analysis_id", a.ID).
		Str("name", name).
		Int("events", len(trace.Events)).
		Int("skipped", trace.Skipped).
		Msg("analysis submitted")
	writeJSON(w, r, http.StatusAccepted, PostAnalysisResponse{ID: a.ID})
}

func (env *environment) postStreamAnalysis(w http.ResponseWriter, r *http.Request) {
	if env.newEventsReader == nil {
		http.Error(w, "no kafka brokers configured", http.StatusServiceUnavailable)
		return
	}
	var body PostStreamAnalysisRequest
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil || body.Topic == "" {
		http.Error(w, "expected a JSON body with a topic", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		body.Name = body.Topic
	}

	reader := env.newEventsReader(body.Topic)
	src := streamSource{Source: eventstream.NewSource(reader, env.layout)}
	if c, ok := reader.(io.Closer); ok {
		src.Closer = c
	} else {
		src.Closer = io.NopCloser(nil)
	}
	a := env.start(body.Name, src)
	writeJSON(w, r, http.StatusAccepted, PostAnalysisResponse{ID: a.ID})
}

func (env *environment) getAnalyses(w http.ResponseWriter, r *http.Request) {
	list := env.analyses.List()
	response := GetAnalysesResponse{Analyses: make([]AnalysisListItem, 0, len(list))}
	for _, a := range list {
		response.Analyses = append(response.Analyses, AnalysisListItem{
			ID:        a.ID,
			Name:      a.Name,
			Status:    a.Status(),
			CreatedAt: a.CreatedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, response)
}

// analysis finds the analysis named in the route, loading its snapshot when
// it is not in memory. It writes the error response and returns false when
// there is none.
func (env *environment) analysis(w http.ResponseWriter, r *http.Request) (*analysis.Analysis, bool) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)
	id := ps.ByName("analysis_id")
	hub.Scope().SetTag("analysis_id", id)

	if a, exists := env.analyses.Get(id); exists {
		return a, true
	}

	s := sentry.StartSpan(ctx, "storage.read")
	s.Description = "Load analysis snapshot"
	a, err := analysis.Load(ctx, env.storage, id)
	s.Finish()
	if err != nil {
		if errors.Is(err, analysis.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return nil, false
		}
		if errors.Is(err, analysis.ErrVersionMismatch) {
			http.Error(w, err.Error(), http.StatusGone)
			return nil, false
		}
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	env.analyses.Add(a)
	return a, true
}

func (env *environment) getAnalysis(w http.ResponseWriter, r *http.Request) {
	a, ok := env.analysis(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, a.Summary())
}

func (env *environment) deleteAnalysis(w http.ResponseWriter, r *http.Request) {
	ps := httprouter.ParamsFromContext(r.Context())
	id := ps.ByName("analysis_id")
	if _, exists := env.analyses.Get(id); !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	env.analyses.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (env *environment) getTree(w http.ResponseWriter, r *http.Request) {
	a, ok := env.analysis(w, r)
	if !ok {
		return
	}
	end, ok := httputil.GetInt64QueryParameter(w, r, "end", math.MaxInt64)
	if !ok {
		return
	}

	s := sentry.StartSpan(r.Context(), "flamechart.tree")
	tree := a.Provider().FetchTree(end)
	s.Finish()

	writeJSON(w, r, http.StatusOK, tree)
}

func (env *environment) postRows(w http.ResponseWriter, r *http.Request) {
	a, ok := env.analysis(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	var body PostRowsRequest
	s := sentry.StartSpan(ctx, "json.unmarshal")
	err := json.NewDecoder(r.Body).Decode(&body)
	s.Finish()
	if err != nil {
		http.Error(w, "expected a JSON body with entries, start, end and resolution", http.StatusBadRequest)
		return
	}

	s = sentry.StartSpan(ctx, "flamechart.rows")
	rows, err := a.Provider().FetchRows(ctx, body.Entries, body.Start, body.End, body.Resolution)
	s.Finish()
	if err != nil {
		if errors.Is(err, flamechart.ErrInvalidRange) || errors.Is(err, flamechart.ErrInvalidResolution) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, r, http.StatusOK, rows)
}

func (env *environment) getFollow(w http.ResponseWriter, r *http.Request) {
	a, ok := env.analysis(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	params, logger, ok := httputil.GetRequiredQueryParameters(w, r, "entry", "time")
	if !ok {
		return
	}
	entry, err := strconv.ParseInt(params["entry"], 10, 64)
	if err != nil {
		http.Error(w, "entry query parameter should be an integer", http.StatusBadRequest)
		return
	}
	t, err := strconv.ParseInt(params["time"], 10, 64)
	if err != nil {
		http.Error(w, "time query parameter should be an integer", http.StatusBadRequest)
		return
	}
	direction := interval.Forward
	if raw := r.URL.Query().Get("direction"); raw != "" {
		direction, err = interval.ParseDirection(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	s := sentry.StartSpan(ctx, "flamechart.follow")
	result, err := a.Provider().Follow(ctx, entry, t, direction)
	s.Finish()
	if err != nil {
		switch {
		case errors.Is(err, flamechart.ErrEntryNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, flamechart.ErrNotFollowable):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			logger.Err(err).Msg("can't follow entry")
			hub.CaptureException(err)
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

func (env *environment) getSpeedscope(w http.ResponseWriter, r *http.Request) {
	a, ok := env.analysis(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	entry, ok := httputil.GetInt64QueryParameter(w, r, "entry", flamechart.TraceID)
	if !ok {
		return
	}

	s := sentry.StartSpan(ctx, "speedscope.export")
	output, err := a.Provider().Speedscope(entry)
	s.Finish()
	if err != nil {
		if errors.Is(err, flamechart.ErrEntryNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, r, http.StatusOK, output)
}

func (env *environment) getChromeTrace(w http.ResponseWriter, r *http.Request) {
	a, ok := env.analysis(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	entry, ok := httputil.GetInt64QueryParameter(w, r, "entry", flamechart.TraceID)
	if !ok {
		return
	}

	s := sentry.StartSpan(ctx, "chrometrace.export")
	output, err := a.Provider().ChromeTrace(entry)
	s.Finish()
	if err != nil {
		if errors.Is(err, flamechart.ErrEntryNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, r, http.StatusOK, output)
}

func (env *environment) postSnapshot(w http.ResponseWriter, r *http.Request) {
	a, ok := env.analysis(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	s := sentry.StartSpan(ctx, "storage.write")
	s.Description = "Write analysis snapshot"
	err := a.Save(ctx, env.storage)
	s.Finish()
	if err != nil {
		if errors.Is(err, analysis.ErrNotFinished) || a.Status() == analysis.StatusFailed {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, r, http.StatusCreated, PostSnapshotResponse{Path: analysis.StoragePath(a.ID)})
}

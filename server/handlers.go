package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-zones/errors"
	"github.com/wippyai/wasm-zones/task"
	"github.com/wippyai/wasm-zones/zone"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20
	maxModuleSize    = 16 << 20
)

const (
	opExecute   = "execute"
	opBroadcast = "broadcast"
)

type createZoneRequest struct {
	ID      string `json:"id"`
	Workers *int   `json:"workers"`
}

type zoneResponse struct {
	ID         string `json:"id"`
	ModuleRoot string `json:"module_root,omitempty"`
	Workers    int    `json:"workers"`
}

type callRequest struct {
	Module    string `json:"module"`
	Function  string `json:"function"`
	Args      []any  `json:"args"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type callResponse struct {
	Value  any    `json:"value"`
	CallID string `json:"call_id"`
	Code   string `json:"code"`
	Error  string `json:"error,omitempty"`
}

type workerResult struct {
	Value  any    `json:"value"`
	Code   string `json:"code"`
	Error  string `json:"error,omitempty"`
	Worker int    `json:"worker"`
}

type broadcastAllResponse struct {
	CallID  string         `json:"call_id"`
	Results []workerResult `json:"results"`
}

type healthResponse struct {
	Status string `json:"status"`
	Zones  int    `json:"zones"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	n := len(s.zones)
	s.mu.RUnlock()
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Zones: n})
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var req createZoneRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	workers := s.cfg.Workers
	if req.Workers != nil {
		workers = *req.Workers
	}

	z, err := s.createZone(req.ID, workers, s.cfg.ModuleRoot)
	switch {
	case err == zone.ErrZoneExists:
		s.writeError(w, http.StatusConflict, "zone already exists")
		return
	case isInvalid(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error("create zone", zap.String("zone", req.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create zone")
		return
	}

	if s.store != nil {
		rec := ZoneRecord{
			ID:         z.ID(),
			Workers:    z.Workers(),
			ModuleRoot: z.Settings().ModuleRoot,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.store.SaveZone(r.Context(), rec); err != nil {
			s.log.Error("save zone", zap.String("zone", z.ID()), zap.Error(err))
		}
	}
	s.writeJSON(w, http.StatusCreated, describe(z))
}

func (s *Server) handleListZones(w http.ResponseWriter, _ *http.Request) {
	zones := s.held()
	out := make([]zoneResponse, len(zones))
	for i, z := range zones {
		out[i] = describe(z)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	z := s.lookup(chi.URLParam(r, "id"))
	if z == nil {
		s.writeError(w, http.StatusNotFound, "zone not found")
		return
	}
	s.writeJSON(w, http.StatusOK, describe(z))
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.release(id) {
		s.writeError(w, http.StatusNotFound, "zone not found")
		return
	}
	if s.store != nil {
		if _, err := s.store.DeleteZone(r.Context(), id); err != nil {
			s.log.Error("delete zone", zap.String("zone", id), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.handleCall(w, r, opExecute)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("all") == "true" {
		s.handleBroadcastAll(w, r)
		return
	}
	s.handleCall(w, r, opBroadcast)
}

// parseCall decodes the request body into a function spec.
func (s *Server) parseCall(w http.ResponseWriter, r *http.Request) (*zone.Zone, callRequest, task.FunctionSpec, bool) {
	var req callRequest
	z := s.lookup(chi.URLParam(r, "id"))
	if z == nil {
		s.writeError(w, http.StatusNotFound, "zone not found")
		return nil, req, task.FunctionSpec{}, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, req, task.FunctionSpec{}, false
	}
	if req.Module == "" || req.Function == "" {
		s.writeError(w, http.StatusBadRequest, "module and function are required")
		return nil, req, task.FunctionSpec{}, false
	}
	if req.TimeoutMS < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms cannot be negative")
		return nil, req, task.FunctionSpec{}, false
	}

	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = fromJSON(a)
	}
	spec, err := task.NewFunctionSpec(req.Module, req.Function, nil, args...)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, req, task.FunctionSpec{}, false
	}
	spec.Options.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	return z, req, spec, true
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request, op string) {
	z, req, spec, ok := s.parseCall(w, r)
	if !ok {
		return
	}

	callID := ulid.Make().String()
	start := time.Now()
	ch := make(chan task.Result, 1)
	cb := func(res task.Result) { ch <- res }
	if op == opBroadcast {
		z.Broadcast(spec, cb)
	} else {
		z.Execute(spec, cb)
	}

	var res task.Result
	select {
	case res = <-ch:
	case <-r.Context().Done():
		s.writeError(w, http.StatusServiceUnavailable, "request canceled")
		return
	}

	resp := callResponse{CallID: callID}
	resp.Code, resp.Value, resp.Error = render(res)
	s.record(r, CallRecord{
		ID:        callID,
		Zone:      z.ID(),
		Op:        op,
		Module:    req.Module,
		Function:  req.Function,
		Code:      resp.Code,
		Error:     resp.Error,
		Duration:  time.Since(start),
		CreatedAt: start.UTC(),
	})
	s.writeJSON(w, statusFor(resp.Code), resp)
}

func (s *Server) handleBroadcastAll(w http.ResponseWriter, r *http.Request) {
	z, req, spec, ok := s.parseCall(w, r)
	if !ok {
		return
	}

	callID := ulid.Make().String()
	start := time.Now()
	ch := make(chan []task.Result, 1)
	z.BroadcastAll(spec, func(rs []task.Result) { ch <- rs })

	var results []task.Result
	select {
	case results = <-ch:
	case <-r.Context().Done():
		s.writeError(w, http.StatusServiceUnavailable, "request canceled")
		return
	}

	resp := broadcastAllResponse{CallID: callID, Results: make([]workerResult, len(results))}
	code := task.Success.String()
	var firstErr string
	for i, res := range results {
		wr := workerResult{Worker: i}
		wr.Code, wr.Value, wr.Error = render(res)
		if wr.Code != task.Success.String() && code == task.Success.String() {
			code, firstErr = wr.Code, wr.Error
		}
		resp.Results[i] = wr
	}
	s.record(r, CallRecord{
		ID:        callID,
		Zone:      z.ID(),
		Op:        opBroadcast,
		Module:    req.Module,
		Function:  req.Function,
		Code:      code,
		Error:     firstErr,
		Duration:  time.Since(start),
		CreatedAt: start.UTC(),
	})
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	z := s.lookup(chi.URLParam(r, "id"))
	if z == nil {
		s.writeError(w, http.StatusNotFound, "zone not found")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxModuleSize)
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r.Body); err != nil {
		s.writeError(w, http.StatusBadRequest, "read module body")
		return
	}

	ch := make(chan task.Result, 1)
	z.Eval(buf.Bytes(), r.URL.Query().Get("origin"), func(res task.Result) { ch <- res })

	var res task.Result
	select {
	case res = <-ch:
	case <-r.Context().Done():
		s.writeError(w, http.StatusServiceUnavailable, "request canceled")
		return
	}

	resp := callResponse{CallID: ulid.Make().String()}
	resp.Code, _, resp.Error = render(res)
	s.writeJSON(w, statusFor(resp.Code), resp)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.lookup(id) == nil {
		s.writeError(w, http.StatusNotFound, "zone not found")
		return
	}
	calls := []CallRecord{}
	if s.store != nil {
		limit := parseIntQuery(r, "limit", defaultListLimit)
		if limit <= 0 || limit > maxListLimit {
			limit = defaultListLimit
		}
		list, err := s.store.ListCalls(r.Context(), id, limit)
		if err != nil {
			s.log.Error("list calls", zap.String("zone", id), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to list calls")
			return
		}
		if list != nil {
			calls = list
		}
	}
	s.writeJSON(w, http.StatusOK, calls)
}

func (s *Server) record(r *http.Request, c CallRecord) {
	if s.store == nil {
		return
	}
	if err := s.store.RecordCall(r.Context(), c); err != nil {
		s.log.Error("record call", zap.String("call", c.ID), zap.Error(err))
	}
}

// render decodes a Result into its response fields.
func render(res task.Result) (code string, value any, msg string) {
	if !res.OK() {
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return res.Code.String(), nil, msg
	}
	v, err := res.Decode(nil)
	if err != nil {
		return task.TransportFailure.String(), nil, err.Error()
	}
	return res.Code.String(), toJSON(v), ""
}

func statusFor(code string) int {
	switch code {
	case task.Success.String():
		return http.StatusOK
	case task.ModuleNotFound.String(), task.FunctionNotFound.String():
		return http.StatusNotFound
	case task.TransportFailure.String():
		return http.StatusBadRequest
	case task.ScriptError.String(), task.EvalFailure.String():
		return http.StatusUnprocessableEntity
	case task.Timeout.String():
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func describe(z *zone.Zone) zoneResponse {
	return zoneResponse{
		ID:         z.ID(),
		Workers:    z.Workers(),
		ModuleRoot: z.Settings().ModuleRoot,
	}
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// isInvalid reports whether err is a caller mistake.
func isInvalid(err error) bool {
	return errors.HasKind(err, errors.KindInvalidInput)
}

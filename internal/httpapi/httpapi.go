// Package httpapi is the engine's HTTP ingress: submit instances, query
// the instance range index, manage the meta/relation graph, and accept
// async converter callbacks. Routing follows the teacher's plain
// http.ServeMux + http.HandleFunc style — no router dependency.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/metacache"
	"github.com/metaflow/engine/internal/model"
	"github.com/metaflow/engine/internal/pipeline"
	"github.com/metaflow/engine/internal/store"
)

type Server struct {
	engine    *pipeline.Engine
	instances *store.InstanceStore
	metas     *store.MetaStore
	relations *store.RelationStore
	cache     *metacache.Cache
}

func New(engine *pipeline.Engine, instances *store.InstanceStore, metas *store.MetaStore, relations *store.RelationStore, cache *metacache.Cache) *Server {
	return &Server{engine: engine, instances: instances, metas: metas, relations: relations, cache: cache}
}

// Mux builds the ingress router. Operational endpoints (/metrics) are
// mounted on a separate listener by cmd/engine, matching how the
// teacher keeps the Prometheus port off the public API surface.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/instances", s.handleInstances)
	mux.HandleFunc("/v1/instances/range", s.handleRange)
	mux.HandleFunc("/v1/meta", s.handleMeta)
	mux.HandleFunc("/v1/relations", s.handleRelation)
	mux.HandleFunc("/v1/callback/", s.handleCallback)
	return mux
}

// statusFor maps an engine/store error to the HTTP status the ingress
// reports it as: VerifyError is the caller's fault (400), EnvError is
// a transient backend condition worth retrying (503), anything else
// is an unclassified server fault (500).
func statusFor(err error) int {
	switch {
	case errs.Is(err, errs.KindVerify):
		return http.StatusBadRequest
	case errs.Is(err, errs.KindEnv):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type submitRequest struct {
	Instance model.Instance `json:"instance"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

// handleInstances: POST submits a new instance into the Store phase;
// GET looks up the current row for meta/id/para.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Instance.Meta == "" {
			http.Error(w, "instance.meta is required", http.StatusBadRequest)
			return
		}
		taskID, err := s.engine.SubmitInstance(r.Context(), req.Instance)
		if err != nil {
			slog.Error("httpapi: submit instance failed", "error", err)
			http.Error(w, "submit failed", statusFor(err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(submitResponse{TaskID: taskID})

	case http.MethodGet:
		meta := r.URL.Query().Get("meta")
		para := r.URL.Query().Get("para")
		id, _ := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
		if meta == "" {
			http.Error(w, "meta is required", http.StatusBadRequest)
			return
		}
		ins, err := s.instances.GetLastState(r.Context(), meta, id, para)
		if err != nil {
			slog.Error("httpapi: get_last_state failed", "error", err)
			http.Error(w, "lookup failed", statusFor(err))
			return
		}
		if ins == nil {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(ins)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleRange runs a key-range scan over the instance store, the HTTP
// reading of model.KeyCondition.
func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	timeGe, _ := strconv.ParseInt(q.Get("time_ge"), 10, 64)
	timeLt, _ := strconv.ParseInt(q.Get("time_lt"), 10, 64)
	cond := model.KeyCondition{
		KeyGt:  q.Get("key_gt"),
		KeyGe:  q.Get("key_ge"),
		KeyLt:  q.Get("key_lt"),
		KeyLe:  q.Get("key_le"),
		TimeGe: timeGe,
		TimeLt: timeLt,
		Limit:  limit,
	}
	instances, err := s.instances.GetByKeyRange(r.Context(), cond)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	_ = json.NewEncoder(w).Encode(instances)
}

// handleMeta lets an operator register/update a meta definition, then
// invalidates any cached copy.
func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var m model.Meta
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.metas.Put(r.Context(), m); err != nil {
		http.Error(w, "put failed", statusFor(err))
		return
	}
	s.cache.Invalidate(m.Key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var rel model.Relation
	if err := json.NewDecoder(r.Body).Decode(&rel); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.relations.Put(r.Context(), rel); err != nil {
		http.Error(w, "put failed", statusFor(err))
		return
	}
	s.cache.Invalidate(rel.FromMeta)
	w.WriteHeader(http.StatusNoContent)
}

type callbackRequest struct {
	Instances    []model.Instance   `json:"instances,omitempty"`
	LogicalError string             `json:"logical_error,omitempty"`
	EnvError     string             `json:"env_error,omitempty"`
	DelaySeconds int                `json:"delay_seconds,omitempty"`
	SelfRoute    []model.SelfRouted `json:"self_route,omitempty"`
}

// handleCallback resumes an async converter call by task id, per the
// path /v1/callback/{task_id}.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	taskID := r.URL.Path[len("/v1/callback/"):]
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var result model.ConverterResult
	switch {
	case req.LogicalError != "":
		result = model.LogicalErrorResult(req.LogicalError)
	case req.EnvError != "":
		result = model.EnvErrorResult(req.EnvError)
	case req.DelaySeconds > 0:
		result = model.Delay(req.DelaySeconds)
	case len(req.SelfRoute) > 0:
		result = model.SelfRoute(req.SelfRoute...)
	default:
		result = model.Instances(req.Instances...)
	}

	if !s.engine.DeliverCallback(r.Context(), taskID, result) {
		http.Error(w, "no pending callback for task id", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

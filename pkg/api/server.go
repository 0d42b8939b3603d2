// Package api is the HTTP surface over the task store: task submission,
// result retrieval, and log streaming via server-sent events. It is a
// thin collaborator around the core — every durable decision lives in
// pkg/taskstore, every build decision in pkg/orchestrator; handlers only
// validate, enqueue, and read.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/wagnerflo/poudomaticd/pkg/errs"
	"github.com/wagnerflo/poudomaticd/pkg/fbsd"
	"github.com/wagnerflo/poudomaticd/pkg/log"
	"github.com/wagnerflo/poudomaticd/pkg/metrics"
	"github.com/wagnerflo/poudomaticd/pkg/taskstore"
	"github.com/wagnerflo/poudomaticd/pkg/tasks"
)

// taskIDRE accepts the 32-character lowercase hex task ids clients
// choose.
var taskIDRE = regexp.MustCompile(`^[0-9a-f]{32}$`)

// InfoSource lists the jails and ports branches the worker currently
// holds, for GET /info.
type InfoSource interface {
	ListJails(ctx context.Context) ([]string, error)
	ListPortsBranches(ctx context.Context) ([]string, error)
}

// Server serves the HTTP contract over one task store.
type Server struct {
	store *taskstore.Store
	info  InfoSource
}

// NewServer wires the HTTP surface to store and info.
func NewServer(store *taskstore.Store, info InfoSource) *Server {
	return &Server{store: store, info: info}
}

// Handler returns the route table as an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("PUT /jail/{id}", s.handlePutJail)
	mux.HandleFunc("PUT /ports/update/{id}", s.handlePutPortsUpdate)
	mux.HandleFunc("PUT /build/{id}", s.handlePutBuild)
	mux.HandleFunc("PUT /depends/{id}", s.handlePutDepends)
	mux.HandleFunc("GET /result/{id}", s.handleGetResult)
	mux.HandleFunc("GET /log/{id}", s.handleGetLog)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

// taskID validates the {id} path segment, writing the error response
// itself when the id is malformed.
func taskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !taskIDRE.MatchString(id) {
		writeError(w, http.StatusUnprocessableEntity, "task id must be 32 lowercase hex characters")
		return "", false
	}
	return id, true
}

// decodeBody strictly parses the request body into v, rejecting
// unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return false
	}
	return true
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, id string, t tasks.Task) {
	payload, err := tasks.Encode(t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.Enqueue(r.Context(), id, payload); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, fmt.Sprintf("task %s already exists", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	jails, err := s.info.ListJails(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	branches, err := s.info.ListPortsBranches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jails == nil {
		jails = []string{}
	}
	if branches == nil {
		branches = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"portsbranches": branches,
		"jails":         jails,
	})
}

func (s *Server) handlePutJail(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var body struct {
		Version fbsd.FreeBSDVersion `json:"version"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	s.enqueue(w, r, id, tasks.CreateJail{Version: body.Version})
}

func (s *Server) handlePutPortsUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var body struct {
		Branch fbsd.PortsBranchVersion `json:"branch"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	s.enqueue(w, r, id, tasks.UpdatePorts{Branch: body.Branch})
}

func (s *Server) handlePutBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var body tasks.RunBuild
	if !decodeBody(w, r, &body) {
		return
	}
	s.enqueue(w, r, id, body)
}

func (s *Server) handlePutDepends(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var body tasks.GetDepends
	if !decodeBody(w, r, &body) {
		return
	}
	s.enqueue(w, r, id, body)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	status, result, found, err := s.store.GetResult(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no such task")
		return
	}
	// (status, result) tuple on the wire; result is null until DONE.
	var detail json.RawMessage
	if result != nil {
		detail = result
	} else {
		detail = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, []json.RawMessage{
		json.RawMessage(strconv.Itoa(int(status))),
		detail,
	})
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	_, _, found, err := s.store.GetResult(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no such task")
		return
	}

	var since int64
	snapshot := false
	if v := r.URL.Query().Get("since"); v != "" {
		snapshot = true
		since, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "since must be an integer rowid")
			return
		}
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamLog(w, r, id, since)
		return
	}

	var out []json.RawMessage
	if snapshot {
		// Explicit since: return what is committed right now, complete
		// or not.
		records, _, err := s.store.GetLog(r.Context(), id, since)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, rec := range records {
			out = append(out, json.RawMessage(rec.Data))
		}
	} else {
		// No since: the complete log, blocking until the task's
		// end-of-stream sentinel has been written.
		err := s.store.WatchLog(r.Context(), id, 0, func(rec taskstore.LogRecord) error {
			out = append(out, json.RawMessage(rec.Data))
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if out == nil {
		out = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, out)
}

// streamLog serves one SSE connection: each log record becomes an event
// with id=rowid and the record's JSON as data, ending when the task's
// end-of-stream sentinel is read or the client disconnects.
func (s *Server) streamLog(w http.ResponseWriter, r *http.Request, id string, since int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.store.WatchLog(r.Context(), id, since, func(rec taskstore.LogRecord) error {
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", rec.RowID, rec.Data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithComponent("api").Debug().Err(err).Str("task_id", id).Msg("log stream ended")
	}
}

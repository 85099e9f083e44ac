// Package admin serves a read-only view of the worker lifecycle and of the
// cache namespaces.
package admin

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/iTrooz/shellcache-proxy/internal/cache"
	"github.com/iTrooz/shellcache-proxy/internal/worker"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
)

// Source exposes the running state to inspect
type Source interface {
	// Worker returns the controlling worker, nil while starting
	Worker() *worker.Worker
	Storage() cache.Storage
}

type StatusResponse struct {
	State       string `json:"state"`
	Controlling bool   `json:"controlling"`
	Precache    string `json:"precache,omitempty"`
	Runtime     string `json:"runtime,omitempty"`
}

type NamespaceSummary struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
	Entries int    `json:"entries"`
}

type NamespaceDetail struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Keys    []string `json:"keys"`
}

type handler struct {
	src Source
}

func NewRouter(src Source) http.Handler {
	h := &handler{src: src}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	r.Get("/namespaces", h.listNamespaces)
	r.Get("/namespaces/{name}", h.getNamespace)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	wk := h.src.Worker()
	if wk == nil {
		writeJSON(w, http.StatusOK, StatusResponse{State: "starting"})
		return
	}

	ns := wk.Namespaces()
	writeJSON(w, http.StatusOK, StatusResponse{
		State:       wk.State().String(),
		Controlling: wk.Controlling(),
		Precache:    ns.Precache,
		Runtime:     ns.Runtime,
	})
}

func (h *handler) isCurrent(name string) bool {
	wk := h.src.Worker()
	return wk != nil && wk.Namespaces().IsCurrent(name)
}

func (h *handler) listNamespaces(w http.ResponseWriter, r *http.Request) {
	storage := h.src.Storage()
	names, err := storage.Names(r.Context())
	if err != nil {
		writeError(w, errors.Wrap(err, errors.CodeDatabase, "failed to list namespaces"))
		return
	}

	summaries := make([]NamespaceSummary, 0, len(names))
	for _, name := range names {
		// Deleted by a concurrent activation since Names
		exists, err := storage.Has(r.Context(), name)
		if err != nil {
			writeError(w, errors.Wrapf(err, errors.CodeDatabase, "failed to look up namespace %s", name))
			return
		}
		if !exists {
			continue
		}

		ns, err := storage.Open(r.Context(), name)
		if err != nil {
			writeError(w, errors.Wrapf(err, errors.CodeDatabase, "failed to open namespace %s", name))
			return
		}
		keys, err := ns.Keys(r.Context())
		if err != nil {
			writeError(w, errors.Wrapf(err, errors.CodeDatabase, "failed to list keys of %s", name))
			return
		}
		summaries = append(summaries, NamespaceSummary{
			Name:    name,
			Current: h.isCurrent(name),
			Entries: len(keys),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"namespaces": summaries})
}

func (h *handler) getNamespace(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	storage := h.src.Storage()

	// Has never creates the namespace, Open would
	exists, err := storage.Has(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !exists {
		writeError(w, errors.Newf(errors.CodeNotFound, "namespace %s not found", name))
		return
	}

	ns, err := storage.Open(r.Context(), name)
	if err != nil {
		writeError(w, errors.Wrapf(err, errors.CodeDatabase, "failed to open namespace %s", name))
		return
	}
	keys, err := ns.Keys(r.Context())
	if err != nil {
		writeError(w, errors.Wrapf(err, errors.CodeDatabase, "failed to list keys of %s", name))
		return
	}
	sort.Strings(keys)

	writeJSON(w, http.StatusOK, NamespaceDetail{
		Name:    name,
		Current: h.isCurrent(name),
		Keys:    keys,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to write admin response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.CodeNotFound:
		status = http.StatusNotFound
	case errors.CodeInvalidInput:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logrus.Errorf("Admin request failed: %v", err)
	}
	writeJSON(w, status, errors.ToJSON(err))
}

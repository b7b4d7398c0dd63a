// Package sim serves an in-memory allocation authority speaking the same
// JSON REST shapes as the real one.
package sim

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lfarizav/rhubarbe/internal/authority"
	"github.com/lfarizav/rhubarbe/internal/leases"
)

// Config controls HTTP server settings.
type Config struct {
	Addr         string
	BasePath     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RequireClientCert rejects mutating requests made without a TLS
	// client certificate.
	RequireClientCert bool
}

// Dependencies holds external collaborators required by the server.
type Dependencies struct {
	Logger *slog.Logger
	Store  *MemoryStore
}

// Server wraps http.Server for convenience.
type Server struct {
	*http.Server
	store *MemoryStore
}

type wireAccount struct {
	Name string `json:"name"`
}

type wireComponent struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type wireLease struct {
	UUID       string          `json:"uuid"`
	Name       string          `json:"name"`
	ValidFrom  string          `json:"valid_from"`
	ValidUntil string          `json:"valid_until"`
	Account    wireAccount     `json:"account"`
	Components []wireComponent `json:"components"`
}

type wireNode struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	URN  string `json:"urn"`
}

const wireTimeLayout = "2006-01-02T15:04:05Z"

// New constructs the simulated authority.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":12346"
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/resources"
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}

	h := handlers{cfg: cfg, logger: deps.Logger, store: deps.Store}
	r := mux.NewRouter()
	api := r.PathPrefix(cfg.BasePath).Subrouter()
	api.HandleFunc("/leases", h.listLeases).Methods(http.MethodGet)
	api.HandleFunc("/leases", h.requireCert(h.createLease)).Methods(http.MethodPost)
	api.HandleFunc("/leases", h.requireCert(h.updateLease)).Methods(http.MethodPut)
	api.HandleFunc("/leases", h.requireCert(h.deleteLease)).Methods(http.MethodDelete)
	api.HandleFunc("/nodes", h.lookupNode).Methods(http.MethodGet).Queries("name", "{name}")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	s := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &Server{Server: s, store: deps.Store}
}

// Store returns the backing store.
func (s *Server) Store() *MemoryStore {
	return s.store
}

type handlers struct {
	cfg    Config
	logger *slog.Logger
	store  *MemoryStore
}

func (h handlers) requireCert(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.RequireClientCert && (r.TLS == nil || len(r.TLS.PeerCertificates) == 0) {
			h.writeException(w, http.StatusUnauthorized, "client certificate required")
			return
		}
		next(w, r)
	}
}

func (h handlers) listLeases(w http.ResponseWriter, _ *http.Request) {
	all := h.store.Leases()
	if len(all) == 0 {
		h.writeException(w, http.StatusNotFound, authority.NoResourcesReason)
		return
	}
	resources := make([]wireLease, 0, len(all))
	for _, l := range all {
		resources = append(resources, toWire(l))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"resource_response": map[string]any{"resources": resources},
	})
}

func (h handlers) lookupNode(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	node, err := h.store.Node(name)
	if err != nil {
		h.writeException(w, http.StatusNotFound, authority.NoResourcesReason)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"resource_response": map[string]any{"resource": wireNode{UUID: node.UUID, Name: node.Name, URN: "urn:publicid:IDN+sim+node+" + node.Name}},
	})
}

func (h handlers) createLease(w http.ResponseWriter, r *http.Request) {
	var req authority.LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeException(w, http.StatusBadRequest, "invalid json")
		return
	}
	from, err := leases.ParseWire(req.ValidFrom, time.Local)
	if err != nil {
		h.writeException(w, http.StatusBadRequest, "invalid valid_from")
		return
	}
	until, err := leases.ParseWire(req.ValidUntil, time.Local)
	if err != nil {
		h.writeException(w, http.StatusBadRequest, "invalid valid_until")
		return
	}
	ids := make([]string, 0, len(req.Components))
	for _, c := range req.Components {
		ids = append(ids, c.UUID)
	}
	lease, err := h.store.CreateLease(CreateInput{
		Name:           req.Name,
		Owner:          req.Account.Name,
		ValidFrom:      from,
		ValidUntil:     until,
		ComponentUUIDs: ids,
	})
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.logger.Info("lease created", "uuid", lease.UUID, "owner", lease.Owner)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"resource_response": map[string]any{"resource": toWire(lease)},
	})
}

func (h handlers) updateLease(w http.ResponseWriter, r *http.Request) {
	var req authority.LeaseUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeException(w, http.StatusBadRequest, "invalid json")
		return
	}
	var from, until *time.Time
	if req.ValidFrom != "" {
		t, err := leases.ParseWire(req.ValidFrom, time.Local)
		if err != nil {
			h.writeException(w, http.StatusBadRequest, "invalid valid_from")
			return
		}
		from = &t
	}
	if req.ValidUntil != "" {
		t, err := leases.ParseWire(req.ValidUntil, time.Local)
		if err != nil {
			h.writeException(w, http.StatusBadRequest, "invalid valid_until")
			return
		}
		until = &t
	}
	lease, err := h.store.UpdateLease(req.UUID, from, until)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.logger.Info("lease updated", "uuid", lease.UUID)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"resource_response": map[string]any{"resource": toWire(lease)},
	})
}

func (h handlers) deleteLease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UUID string `json:"uuid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeException(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.store.DeleteLease(req.UUID); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.logger.Info("lease deleted", "uuid", req.UUID)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"resource_response": map[string]any{"response": "OK"},
	})
}

func (h handlers) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrLeaseNotFound), errors.Is(err, ErrNodeNotFound):
		h.writeException(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		h.writeException(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidRange):
		h.writeException(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("store failure", "error", err)
		h.writeException(w, http.StatusInternalServerError, "internal error")
	}
}

func (h handlers) writeException(w http.ResponseWriter, code int, reason string) {
	h.writeJSON(w, code, map[string]any{
		"exception": map[string]any{"code": code, "reason": reason},
	})
}

func (h handlers) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

func toWire(l Lease) wireLease {
	components := make([]wireComponent, 0, len(l.Components))
	for _, c := range l.Components {
		components = append(components, wireComponent{UUID: c.UUID, Name: c.Name})
	}
	return wireLease{
		UUID:       l.UUID,
		Name:       l.Name,
		ValidFrom:  l.ValidFrom.UTC().Format(wireTimeLayout),
		ValidUntil: l.ValidUntil.UTC().Format(wireTimeLayout),
		Account:    wireAccount{Name: l.Owner},
		Components: components,
	}
}

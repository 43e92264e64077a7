package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"steward/pkg/client"
	"steward/pkg/cluster"
	"steward/pkg/ha"
	"steward/pkg/membership"
)

// Cluster is the view of replicated group state the admin API reads.
type Cluster interface {
	LocalID() string
	LeaderID() string
	LeaderTransportAddr() string
	ObservedEpoch(ctx context.Context) (int64, error)
	EpochClaims(ctx context.Context, limit int) ([]cluster.ClaimRecord, error)
	AppliedIndex() uint64
	CommitIndex() uint64
}

// Roles is the transition executor's view of this node.
type Roles interface {
	CurrentRole() ha.Role
	LeaderEpoch() int64
}

// Membership covers member registration and quorum arithmetic.
type Membership interface {
	Members(ctx context.Context) ([]membership.Member, error)
	Member(ctx context.Context, id string) (membership.Member, error)
	AddNode(ctx context.Context, id, host string, port int, class cluster.MembershipClass) error
	RemoveNode(ctx context.Context, id string) error
	MarkStable(ctx context.Context, id string) error
	MarkUnstable(ctx context.Context, id string) error
	UpdateNodeAddress(ctx context.Context, id, host string, port int) error
	Heartbeat(ctx context.Context, id string, appliedIndex uint64) error
	Quorum(ctx context.Context) (membership.QuorumStatus, error)
}

// Discovery resolves the current leader, waiting out elections.
type Discovery interface {
	Leader(ctx context.Context) (membership.LeaderInfo, error)
}

// Handlers serves the admin API.
type Handlers struct {
	cluster    Cluster
	roles      Roles
	membership Membership
	discovery  Discovery
}

// NewHandlers creates the admin API handler set.
func NewHandlers(c Cluster, r Roles, m Membership, d Discovery) *Handlers {
	return &Handlers{cluster: c, roles: r, membership: m, discovery: d}
}

// RegisterRoutes mounts the admin API under /admin on the given mux.
func RegisterRoutes(mux *http.ServeMux, h *Handlers, secret string) {
	r := chi.NewRouter()
	r.Use(authMiddleware(secret))

	r.Get("/status", h.handleStatus)
	r.Get("/role", h.handleRole)
	r.Get("/epoch", h.handleEpoch)
	r.Get("/epoch/claims", h.handleEpochClaims)
	r.Get("/leader", h.handleLeader)
	r.Get("/quorum", h.handleQuorum)

	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", h.handleListNodes)
		r.Post("/", h.handleAddNode)
		r.Route("/{nodeID}", func(r chi.Router) {
			r.Get("/", h.handleGetNode)
			r.Delete("/", h.handleRemoveNode)
			r.Put("/address", h.handleSetAddress)
			r.Post("/stabilize", h.handleStabilize)
			r.Post("/destabilize", h.handleDestabilize)
			r.Post("/heartbeat", h.handleHeartbeat)
		})
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	epoch, err := h.cluster.ObservedEpoch(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	quorum, err := h.membership.Quorum(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	members, err := h.membership.Members(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	st := client.Status{
		NodeID:       h.cluster.LocalID(),
		Role:         h.roles.CurrentRole().String(),
		Epoch:        epoch,
		Quorum:       quorumDTO(quorum),
		AppliedIndex: h.cluster.AppliedIndex(),
		CommitIndex:  h.cluster.CommitIndex(),
		Members:      len(members),
	}
	// Instantaneous leader view. The /leader endpoint is the one that waits
	// out elections; status never blocks.
	if id := h.cluster.LeaderID(); id != "" {
		st.Leader = &client.Leader{
			ID:      id,
			Address: h.cluster.LeaderTransportAddr(),
			Local:   id == st.NodeID,
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) handleRole(w http.ResponseWriter, r *http.Request) {
	role := h.roles.CurrentRole()

	// Leaders answer with the epoch they fenced; everyone else reports the
	// standing epoch they observe.
	var epoch int64
	if role == ha.RoleLeader {
		epoch = h.roles.LeaderEpoch()
	} else {
		var err error
		epoch, err = h.cluster.ObservedEpoch(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, client.RoleInfo{
		NodeID: h.cluster.LocalID(),
		Role:   role.String(),
		Epoch:  epoch,
	})
}

func (h *Handlers) handleEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := h.cluster.ObservedEpoch(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"epoch": epoch})
}

func (h *Handlers) handleEpochClaims(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 32, 256)
	records, err := h.cluster.EpochClaims(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	claims := make([]client.Claim, 0, len(records))
	for _, rec := range records {
		claims = append(claims, client.Claim{
			Epoch:     rec.Epoch,
			NodeID:    rec.NodeID,
			ClaimedAt: rec.ClaimedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"claims": claims})
}

func (h *Handlers) handleLeader(w http.ResponseWriter, r *http.Request) {
	info, err := h.discovery.Leader(r.Context())
	if err != nil {
		if errors.Is(err, membership.ErrNoLeader) {
			writeError(w, http.StatusNotFound, "no leader elected")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, client.Leader{
		ID:      info.ID,
		Address: info.Address,
		Local:   info.Local,
	})
}

func (h *Handlers) handleQuorum(w http.ResponseWriter, r *http.Request) {
	quorum, err := h.membership.Quorum(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, quorumDTO(quorum))
}

func (h *Handlers) handleListNodes(w http.ResponseWriter, r *http.Request) {
	members, err := h.membership.Members(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	nodes := make([]client.Node, 0, len(members))
	for _, m := range members {
		nodes = append(nodes, nodeDTO(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (h *Handlers) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "nodeID")
	member, err := h.membership.Member(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodeDTO(member))
}

func (h *Handlers) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req client.AddNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.Host == "" {
		writeError(w, http.StatusBadRequest, "id and host are required")
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, "port must be between 1 and 65535")
		return
	}
	if req.Class == "" {
		req.Class = string(cluster.ClassElectable)
	}

	class := cluster.MembershipClass(strings.ToUpper(req.Class))
	if err := h.membership.AddNode(r.Context(), req.ID, req.Host, req.Port, class); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (h *Handlers) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "nodeID")
	if err := h.membership.RemoveNode(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Handlers) handleSetAddress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "nodeID")

	var req struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, "host and a valid port are required")
		return
	}

	if err := h.membership.UpdateNodeAddress(r.Context(), id, req.Host, req.Port); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Handlers) handleStabilize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "nodeID")
	if err := h.membership.MarkStable(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Handlers) handleDestabilize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "nodeID")
	if err := h.membership.MarkUnstable(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Handlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "nodeID")

	var req struct {
		AppliedIndex uint64 `json:"applied_index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.membership.Heartbeat(r.Context(), id, req.AppliedIndex); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// writeDomainError maps membership errors onto HTTP. Requests that need the
// leader are answered with a 307 so clients land on the right node without
// resolving the leader themselves.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var notLeader *membership.NotLeaderError
	var conflict *membership.AddressConflictError
	switch {
	case errors.As(err, &notLeader):
		if notLeader.LeaderAddr == "" {
			writeError(w, http.StatusServiceUnavailable, "not the leader and no leader is known")
			return
		}
		w.Header().Set("Location", "http://"+notLeader.LeaderAddr+r.RequestURI)
		w.WriteHeader(http.StatusTemporaryRedirect)
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, membership.ErrMemberNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, membership.ErrNoLeader):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func nodeDTO(m membership.Member) client.Node {
	return client.Node{
		ID:            m.Record.ID,
		Class:         string(m.Record.Class),
		Stability:     string(m.Record.Stability),
		Host:          m.Record.Host,
		Port:          m.Record.Port,
		LastHeartbeat: m.Record.LastHeartbeat,
		AppliedIndex:  m.Record.AppliedIndex,
		Voter:         m.Voter,
		Leader:        m.Leader,
	}
}

func quorumDTO(q membership.QuorumStatus) client.Quorum {
	return client.Quorum{
		ConfiguredMinimum: q.ConfiguredMinimum,
		UnstableCount:     q.UnstableCount,
		EffectiveQuorum:   q.EffectiveQuorum,
		Override:          q.Override,
		OverrideActive:    q.OverrideActive,
	}
}

func parseLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error JSON response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

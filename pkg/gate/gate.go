package gate

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethpandaops/gatekeeper/pkg/auth"
	"github.com/ethpandaops/gatekeeper/pkg/privilege"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Error codes written to clients besides the auth.Kind values.
const (
	CodeMaster   = "master"
	CodeInternal = "internal"
)

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gatekeeper_gate_decisions_total",
		Help: "Total number of authorization gate decisions",
	},
	[]string{"guard", "outcome"},
)

// Topology reports the cluster facts the gate needs.
type Topology interface {
	IsMaster() bool
	MasterHost() string
}

// ErrorBody is the JSON error payload for every rejected request.
type ErrorBody struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Title       string `json:"title,omitempty"`
	Host        string `json:"host,omitempty"`
}

// Gate provides the guard primitives every handler calls before doing
// any work. Guards that return false have already written the response.
type Gate interface {
	RequireMaster(w http.ResponseWriter, r *http.Request) bool
	LoadSession(r *http.Request) (*auth.Principal, error)
	RequireValidUser(w http.ResponseWriter, p *auth.Principal, err error) bool
	RequirePrivilege(
		w http.ResponseWriter, p *auth.Principal, priv privilege.Privilege,
	) bool
	RequireAdmin(w http.ResponseWriter, p *auth.Principal) bool
	// Check is the side-effect free form of RequirePrivilege.
	Check(p *auth.Principal, priv privilege.Privilege) error
}

// Compile-time interface check.
var _ Gate = (*gate)(nil)

type gate struct {
	log      logrus.FieldLogger
	authn    auth.Authenticator
	registry *privilege.Registry
	topology Topology
	headers  auth.HeaderNames
}

// NewGate creates a Gate.
func NewGate(
	log logrus.FieldLogger,
	authn auth.Authenticator,
	registry *privilege.Registry,
	topology Topology,
	headers auth.HeaderNames,
) Gate {
	return &gate{
		log:      log.WithField("component", "gate"),
		authn:    authn,
		registry: registry,
		topology: topology,
		headers:  headers,
	}
}

func (g *gate) RequireMaster(w http.ResponseWriter, r *http.Request) bool {
	if g.topology.IsMaster() {
		decisionsTotal.WithLabelValues("master", "allow").Inc()

		return true
	}

	decisionsTotal.WithLabelValues("master", "reject").Inc()

	host := g.topology.MasterHost()

	g.log.WithField("path", r.URL.Path).
		WithField("master", host).
		Debug("Request refused on non-master node")

	writeJSON(w, http.StatusMisdirectedRequest, ErrorBody{
		Code:  CodeMaster,
		Host:  host,
		Title: "Non-Primary Server",
		Description: "This server is not the current primary. " +
			"Please send requests to the primary server.",
	})

	return false
}

func (g *gate) LoadSession(r *http.Request) (*auth.Principal, error) {
	return g.authn.Authenticate(
		r.Context(), auth.CredentialsFromRequest(r, g.headers),
	)
}

func (g *gate) RequireValidUser(
	w http.ResponseWriter, p *auth.Principal, err error,
) bool {
	if err == nil && p != nil {
		decisionsTotal.WithLabelValues("user", "allow").Inc()

		return true
	}

	if err == nil {
		err = auth.SessionError(auth.MsgNoCredentials)
	}

	if authErr, ok := auth.AsError(err); ok {
		decisionsTotal.WithLabelValues("user", "reject").Inc()

		g.log.WithField("reason", authErr.Message).Debug("Authentication failed")

		writeJSON(w, http.StatusUnauthorized, ErrorBody{
			Code:        string(authErr.Kind),
			Description: authErr.Message,
		})

		return false
	}

	decisionsTotal.WithLabelValues("user", "error").Inc()

	g.log.WithError(err).Error("Authentication failed with internal error")

	writeJSON(w, http.StatusInternalServerError, ErrorBody{
		Code:        CodeInternal,
		Description: "internal error",
	})

	return false
}

func (g *gate) RequirePrivilege(
	w http.ResponseWriter, p *auth.Principal, priv privilege.Privilege,
) bool {
	if err := g.Check(p, priv); err != nil {
		decisionsTotal.WithLabelValues("privilege", "deny").Inc()

		g.log.WithField("subject", p.Subject()).
			WithField("privilege", priv).
			Debug("Access denied")

		authErr, _ := auth.AsError(err)

		writeJSON(w, http.StatusForbidden, ErrorBody{
			Code:        string(authErr.Kind),
			Description: authErr.Message,
		})

		return false
	}

	decisionsTotal.WithLabelValues("privilege", "allow").Inc()

	return true
}

func (g *gate) RequireAdmin(w http.ResponseWriter, p *auth.Principal) bool {
	return g.RequirePrivilege(w, p, privilege.Admin)
}

func (g *gate) Check(p *auth.Principal, priv privilege.Privilege) error {
	if p.Has(priv) {
		return nil
	}

	return auth.AccessError(fmt.Sprintf(
		"Access Denied: missing privilege '%s'", g.registry.Title(priv),
	))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

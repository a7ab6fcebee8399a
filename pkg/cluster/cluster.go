package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/config"
	"github.com/ethpandaops/gatekeeper/pkg/storage"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/sirupsen/logrus"
)

const (
	// serversPrefix is where nodes publish their heartbeat records.
	serversPrefix = "global/servers"

	// masterKey holds the current master claim shared by all nodes.
	masterKey = "global/master"
)

// ErrUnknownServer is returned when a server id is not registered.
var ErrUnknownServer = errors.New("unknown server")

// Server is one node of the cluster as last reported by its heartbeat.
type Server struct {
	ID            string `json:"id"`
	Host          string `json:"host"`
	Hostname      string `json:"hostname"`
	OS            string `json:"os,omitempty"`
	Platform      string `json:"platform,omitempty"`
	KernelVersion string `json:"kernel_version,omitempty"`
	Uptime        uint64 `json:"uptime"`
	Started       int64  `json:"started"`
	LastSeen      int64  `json:"last_seen"`
	Master        bool   `json:"master"`
}

// Registry is the process-scoped set of live cluster servers. It replaces
// any ambient server list: components that need topology facts receive
// the registry explicitly.
type Registry interface {
	Start(ctx context.Context) error
	Stop() error

	// Heartbeat inserts or refreshes a server.
	Heartbeat(s Server)
	// Prune drops servers not seen within the peer timeout and returns
	// their ids.
	Prune(now time.Time) []string
	// List returns live servers ordered by id.
	List() []Server
	Get(id string) (Server, bool)
	// SetMaster hands the master role to a registered server. With
	// shared storage the claim is published to every node.
	SetMaster(ctx context.Context, id string) error
	Self() Server

	IsMaster() bool
	MasterHost() string
}

// masterClaim is the record at masterKey.
type masterClaim struct {
	ID      string `json:"id"`
	Host    string `json:"host"`
	Claimed int64  `json:"claimed"`
}

// Compile-time interface check.
var _ Registry = (*registry)(nil)

type registry struct {
	log     logrus.FieldLogger
	cfg     *config.ClusterConfig
	storage storage.Storage
	now     func() time.Time

	mu      sync.RWMutex
	servers map[string]Server
	master  string
	claim   string
	started int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a Registry for the local node. Storage may be nil,
// in which case peers are only known through direct Heartbeat calls.
func NewRegistry(
	log logrus.FieldLogger,
	cfg *config.ClusterConfig,
	s storage.Storage,
) Registry {
	return newRegistry(log, cfg, s, time.Now)
}

func newRegistry(
	log logrus.FieldLogger,
	cfg *config.ClusterConfig,
	s storage.Storage,
	now func() time.Time,
) *registry {
	return &registry{
		log:     log.WithField("component", "cluster"),
		cfg:     cfg,
		storage: s,
		now:     now,
		servers: make(map[string]Server, 4),
		started: now().Unix(),
	}
}

// Start publishes the first heartbeat and starts the heartbeat loop.
func (r *registry) Start(ctx context.Context) error {
	if r.cfg.Standalone {
		r.mu.Lock()
		r.master = r.cfg.NodeID
		r.mu.Unlock()
	}

	if err := r.tick(ctx); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(loopCtx)

	r.log.WithField("node", r.cfg.NodeID).
		WithField("standalone", r.cfg.Standalone).
		WithField("master", r.MasterHost()).
		Info("Cluster registry started")

	return nil
}

// Stop ends the heartbeat loop.
func (r *registry) Stop() error {
	if r.cancel == nil {
		return nil
	}

	r.cancel()
	<-r.done

	return nil
}

func (r *registry) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.HeartbeatIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				r.log.WithError(err).Warn("Heartbeat failed")
			}
		}
	}
}

// tick refreshes the local node, syncs peers from storage, prunes stale
// peers and re-runs the election.
func (r *registry) tick(ctx context.Context) error {
	self := r.localServer(ctx)
	r.Heartbeat(self)

	if r.storage != nil {
		if err := r.publish(ctx, self); err != nil {
			return err
		}

		if err := r.syncPeers(ctx); err != nil {
			return err
		}
	}

	for _, id := range r.Prune(r.now()) {
		r.log.WithField("server", id).Info("Pruned stale server")

		if r.storage != nil {
			if err := r.storage.Delete(ctx, serversPrefix+"/"+id); err != nil &&
				!errors.Is(err, storage.ErrNotFound) {
				r.log.WithError(err).Warn("Failed to delete stale server record")
			}
		}
	}

	return r.elect(ctx)
}

func (r *registry) localServer(ctx context.Context) Server {
	s := Server{
		ID:       r.cfg.NodeID,
		Host:     r.cfg.AdvertiseHost,
		Hostname: r.cfg.NodeID,
		Started:  r.started,
		LastSeen: r.now().Unix(),
	}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		r.log.WithError(err).Debug("Failed to read host info")

		return s
	}

	s.Hostname = info.Hostname
	s.OS = info.OS
	s.Platform = info.Platform
	s.KernelVersion = info.KernelVersion
	s.Uptime = info.Uptime

	return s
}

func (r *registry) publish(ctx context.Context, s Server) error {
	s.Master = false

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding server: %w", err)
	}

	if err := r.storage.Put(ctx, serversPrefix+"/"+s.ID, data); err != nil {
		return fmt.Errorf("publishing heartbeat: %w", err)
	}

	return nil
}

func (r *registry) syncPeers(ctx context.Context) error {
	keys, err := r.storage.ListFind(ctx, serversPrefix, storage.ListOptions{})
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}

	for _, key := range keys {
		data, err := r.storage.Get(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}

			return fmt.Errorf("loading server %q: %w", key, err)
		}

		var peer Server
		if err := json.Unmarshal(data, &peer); err != nil {
			r.log.WithError(err).WithField("key", key).Warn("Skipping malformed server record")

			continue
		}

		if peer.ID == r.cfg.NodeID {
			continue
		}

		r.Heartbeat(peer)
	}

	return nil
}

func (r *registry) Heartbeat(s Server) {
	if s.ID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.servers[s.ID]; ok && existing.LastSeen > s.LastSeen {
		return
	}

	r.servers[s.ID] = s
}

func (r *registry) Prune(now time.Time) []string {
	cutoff := now.Add(-r.cfg.PeerTimeoutDuration()).Unix()

	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned []string

	for id, s := range r.servers {
		if id == r.cfg.NodeID {
			continue
		}

		if s.LastSeen < cutoff {
			delete(r.servers, id)
			pruned = append(pruned, id)
		}
	}

	sort.Strings(pruned)

	return pruned
}

// elect picks the master. A claim naming a live server is adopted by
// every node. Otherwise the live server with the lowest id leads, and
// with shared storage that server publishes the claim itself. Standalone
// nodes always lead.
func (r *registry) elect(ctx context.Context) error {
	if r.cfg.Standalone {
		r.mu.Lock()
		r.master = r.cfg.NodeID
		r.mu.Unlock()

		return nil
	}

	if r.storage != nil {
		claim, err := r.loadClaim(ctx)
		if err != nil {
			return err
		}

		r.mu.Lock()
		r.claim = claim
		r.mu.Unlock()
	}

	r.mu.Lock()

	prev := r.master
	claimed := r.claim

	if _, ok := r.servers[claimed]; ok {
		r.master = claimed
	} else {
		r.master = ""

		for id := range r.servers {
			if r.master == "" || id < r.master {
				r.master = id
			}
		}
	}

	next := r.master
	r.mu.Unlock()

	if r.storage != nil && next == r.cfg.NodeID && claimed != next {
		if err := r.storeClaim(ctx, next); err != nil {
			return err
		}
	}

	if next != "" && next != prev {
		r.log.WithField("master", next).Info("Elected cluster master")
	}

	return nil
}

func (r *registry) loadClaim(ctx context.Context) (string, error) {
	data, err := r.storage.Get(ctx, masterKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}

		return "", fmt.Errorf("loading master claim: %w", err)
	}

	var claim masterClaim
	if err := json.Unmarshal(data, &claim); err != nil {
		r.log.WithError(err).Warn("Ignoring malformed master claim")

		return "", nil
	}

	return claim.ID, nil
}

func (r *registry) storeClaim(ctx context.Context, id string) error {
	r.mu.RLock()
	host := r.servers[id].Host
	r.mu.RUnlock()

	data, err := json.Marshal(masterClaim{
		ID:      id,
		Host:    host,
		Claimed: r.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("encoding master claim: %w", err)
	}

	if err := r.storage.Put(ctx, masterKey, data); err != nil {
		return fmt.Errorf("publishing master claim: %w", err)
	}

	r.mu.Lock()
	r.claim = id
	r.mu.Unlock()

	return nil
}

func (r *registry) List() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Server, 0, len(r.servers))

	for _, s := range r.servers {
		s.Master = s.ID == r.master
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

func (r *registry) Get(id string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.servers[id]
	s.Master = ok && s.ID == r.master

	return s, ok
}

func (r *registry) SetMaster(ctx context.Context, id string) error {
	r.mu.RLock()
	_, ok := r.servers[id]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}

	if r.storage != nil {
		if err := r.storeClaim(ctx, id); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.claim = id
	r.master = id
	r.mu.Unlock()

	return nil
}

func (r *registry) Self() Server {
	s, ok := r.Get(r.cfg.NodeID)
	if !ok {
		return Server{ID: r.cfg.NodeID, Host: r.cfg.AdvertiseHost}
	}

	return s
}

func (r *registry) IsMaster() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.master != "" && r.master == r.cfg.NodeID
}

// MasterHost returns the advertised host of the master, or "" when no
// master is known.
func (r *registry) MasterHost() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.servers[r.master]; ok {
		return s.Host
	}

	if r.master == r.cfg.NodeID {
		return r.cfg.AdvertiseHost
	}

	return ""
}

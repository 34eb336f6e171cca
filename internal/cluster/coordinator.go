package cluster

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"

	"github.com/skeinhq/skein/internal/logging"
	"github.com/skeinhq/skein/internal/metrics"
	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/store"
)

// Channel ports derive from the public HTTP port.
const (
	PubPortOffset    = 1000
	DirectPortOffset = 1001
)

// Config holds cluster coordinator configuration
type Config struct {
	PeerID            string        // defaults to a fresh UUID
	BindHost          string        // listen interface for the channels, empty binds all
	AdvertiseHost     string        // host peers and redirected clients dial
	Port              int           // public HTTP port; channel ports derive from it
	Standalone        bool          // single-process mode: no channels, no registry
	RefreshInterval   time.Duration // registry heartbeat, default 60s
	DiscoveryInterval time.Duration // peer table rebuild, default 30s
	DirectTimeout     time.Duration // direct request timeout, default 10s
	DialTimeout       time.Duration // channel dial timeout, default 5s

	// Version is published to the registry with this peer's row.
	Version string
	// MinPeerVersion keeps incompatible peers out of the peer table
	// during rolling upgrades, empty disables the check.
	MinPeerVersion string
}

func (c *Config) applyDefaults() {
	if c.PeerID == "" {
		c.PeerID = uuid.New().String()
	}
	if c.AdvertiseHost == "" {
		c.AdvertiseHost = "127.0.0.1"
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 60 * time.Second
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	if c.DirectTimeout <= 0 {
		c.DirectTimeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Events receives callbacks when cluster traffic overrides local
// ownership. The session layer uses this to evict an instance another
// peer now manages.
type Events interface {
	OwnershipLost(instanceKey, newOwnerID string)
}

// PeerInfo identifies a live peer. Port is the peer's public HTTP port,
// which is what register redirects hand to clients.
type PeerInfo struct {
	ID   string
	Host string
	Port int
}

type peer struct {
	info   PeerInfo
	sub    net.Conn
	client *directClient
}

// Coordinator maintains the peer table and the ownership map. It
// implements lifecycle.Component.
type Coordinator struct {
	cfg       Config
	registry  store.RegistryStore
	ownership *Ownership
	metrics   *metrics.Metrics
	logger    *logging.Logger

	events Events

	pub    *publisher
	direct *directServer

	mu    sync.RWMutex
	peers map[string]*peer

	minPeer *version.Version

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewCoordinator creates the coordinator. Start opens the channels and
// joins the registry.
func NewCoordinator(cfg Config, registry store.RegistryStore, m *metrics.Metrics) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:       cfg,
		registry:  registry,
		ownership: NewOwnership(cfg.PeerID),
		metrics:   m,
		logger:    logging.GetLogger("cluster.coordinator"),
		peers:     make(map[string]*peer),
	}
}

// SetEvents wires the ownership callbacks. Must be called before Start.
func (c *Coordinator) SetEvents(ev Events) {
	c.events = ev
}

// SelfID returns this server's peer ID.
func (c *Coordinator) SelfID() string {
	return c.cfg.PeerID
}

// SelfInfo returns this server's advertised address.
func (c *Coordinator) SelfInfo() PeerInfo {
	return PeerInfo{ID: c.cfg.PeerID, Host: c.cfg.AdvertiseHost, Port: c.cfg.Port}
}

// Ownership exposes the ownership map.
func (c *Coordinator) Ownership() *Ownership {
	return c.ownership
}

// Start implements lifecycle.Component
func (c *Coordinator) Start(ctx context.Context) error {
	if c.cfg.MinPeerVersion != "" {
		min, err := version.NewVersion(c.cfg.MinPeerVersion)
		if err != nil {
			return fmt.Errorf("invalid MinPeerVersion %q: %w", c.cfg.MinPeerVersion, err)
		}
		c.minPeer = min
	}

	if c.cfg.Standalone {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		c.logger.Info("Cluster coordinator in standalone mode, peer=%s", c.cfg.PeerID)
		return nil
	}

	pubAddr := net.JoinHostPort(c.cfg.BindHost, strconv.Itoa(c.cfg.Port+PubPortOffset))
	directAddr := net.JoinHostPort(c.cfg.BindHost, strconv.Itoa(c.cfg.Port+DirectPortOffset))

	pub, err := newPublisher(pubAddr, logging.GetLogger("cluster.publisher"))
	if err != nil {
		return fmt.Errorf("failed to open publish channel on %s: %w", pubAddr, err)
	}
	direct, err := newDirectServer(directAddr, c.handleDirect, logging.GetLogger("cluster.direct"))
	if err != nil {
		pub.Close()
		return fmt.Errorf("failed to open direct channel on %s: %w", directAddr, err)
	}
	c.pub = pub
	c.direct = direct

	if err := c.register(ctx); err != nil {
		pub.Close()
		direct.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.discover(runCtx)

	c.wg.Add(2)
	go c.refreshLoop(runCtx)
	go c.discoveryLoop(runCtx)

	c.logger.Info("Cluster coordinator started, peer=%s pub=%s direct=%s",
		c.cfg.PeerID, pubAddr, directAddr)
	return nil
}

// Stop implements lifecycle.Component
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.mu.Unlock()
	if c.cfg.Standalone {
		c.logger.Info("Cluster coordinator stopped")
		return nil
	}
	c.cancel()

	if err := c.registry.SetStatus(ctx, c.cfg.PeerID, model.PeerOffline, time.Now().UnixMilli()); err != nil {
		c.logger.Warn("Failed to mark registration offline: %v", err)
	}

	c.pub.Close()
	c.direct.Close()

	c.mu.Lock()
	for id, p := range c.peers {
		p.sub.Close()
		p.client.Close()
		delete(c.peers, id)
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("Cluster coordinator stopped")
	return nil
}

// Name implements lifecycle.Component
func (c *Coordinator) Name() string {
	return "Cluster Coordinator"
}

func (c *Coordinator) register(ctx context.Context) error {
	reg := &model.Registration{
		PeerID:      c.cfg.PeerID,
		Host:        c.cfg.AdvertiseHost,
		Port:        c.cfg.Port,
		Version:     c.cfg.Version,
		Status:      model.PeerOnline,
		LastRefresh: time.Now().UnixMilli(),
	}
	if err := c.registry.Upsert(ctx, reg); err != nil {
		return fmt.Errorf("failed to register in cluster registry: %w", err)
	}
	return nil
}

func (c *Coordinator) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.registry.Refresh(ctx, c.cfg.PeerID, time.Now().UnixMilli())
			if store.IsNotFound(err) {
				// Row was pruned while we were alive; re-register.
				err = c.register(ctx)
			}
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("Registry refresh failed: %v", err)
			}
		}
	}
}

func (c *Coordinator) discoveryLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.discover(ctx)
		}
	}
}

// discover reconciles the peer table against the registry: connect to
// new live peers, tear down vanished ones.
func (c *Coordinator) discover(ctx context.Context) {
	since := time.Now().Add(-2 * c.cfg.RefreshInterval).UnixMilli()
	regs, err := c.registry.ListLive(ctx, since)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("Peer discovery failed: %v", err)
		}
		return
	}

	live := make(map[string]model.Registration, len(regs))
	for _, reg := range regs {
		if reg.PeerID == c.cfg.PeerID {
			continue
		}
		if !c.peerCompatible(reg) {
			continue
		}
		live[reg.PeerID] = reg
	}

	for id, reg := range live {
		c.mu.RLock()
		_, connected := c.peers[id]
		c.mu.RUnlock()
		if !connected {
			if err := c.connectPeer(ctx, reg); err != nil {
				c.logger.Warn("Failed to connect peer %s at %s:%d: %v", id, reg.Host, reg.Port, err)
			}
		}
	}

	c.mu.Lock()
	var gone []string
	for id := range c.peers {
		if _, ok := live[id]; !ok {
			gone = append(gone, id)
		}
	}
	c.mu.Unlock()
	for _, id := range gone {
		c.teardownPeer(id, "no longer in registry")
	}

	c.mu.RLock()
	count := len(c.peers)
	c.mu.RUnlock()
	if c.metrics != nil {
		c.metrics.ClusterPeers.Set(float64(count))
	}
}

// peerCompatible reports whether a registered peer meets the minimum
// version floor. Peers that never published a parseable version fail
// the check; an excluded peer that was already connected is torn down
// by the same discovery pass.
func (c *Coordinator) peerCompatible(reg model.Registration) bool {
	if c.minPeer == nil {
		return true
	}
	v, err := version.NewVersion(reg.Version)
	if err != nil {
		c.logger.Warn("Peer %s has unparseable version %q, skipping", reg.PeerID, reg.Version)
		return false
	}
	if v.LessThan(c.minPeer) {
		c.logger.Warn("Peer %s version %s is below minimum %s, skipping",
			reg.PeerID, reg.Version, c.minPeer.String())
		return false
	}
	return true
}

func (c *Coordinator) connectPeer(ctx context.Context, reg model.Registration) error {
	pubAddr := net.JoinHostPort(reg.Host, strconv.Itoa(reg.Port+PubPortOffset))
	directAddr := net.JoinHostPort(reg.Host, strconv.Itoa(reg.Port+DirectPortOffset))

	sub, err := net.DialTimeout("tcp", pubAddr, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("publish channel: %w", err)
	}
	client, err := dialDirect(directAddr, c.cfg.DialTimeout, c.cfg.DirectTimeout, logging.GetLogger("cluster.direct"))
	if err != nil {
		sub.Close()
		return fmt.Errorf("direct channel: %w", err)
	}

	// Handshake so a recycled host:port from a stale registry row does
	// not end up in the peer table under the wrong ID.
	hello := NewDirect(c.cfg.PeerID, reg.PeerID, Payload{
		Op:     OpHello,
		PeerID: c.cfg.PeerID,
		Host:   c.cfg.AdvertiseHost,
		Port:   c.cfg.Port,
	})
	resp, err := client.Request(ctx, hello)
	if err != nil {
		sub.Close()
		client.Close()
		return fmt.Errorf("hello: %w", err)
	}
	var helloBack Payload
	if helloBack, err = resp.DecodePayload(); err != nil || helloBack.PeerID != reg.PeerID {
		sub.Close()
		client.Close()
		return fmt.Errorf("hello answered by %q, registry says %q", helloBack.PeerID, reg.PeerID)
	}

	p := &peer{
		info:   PeerInfo{ID: reg.PeerID, Host: reg.Host, Port: reg.Port},
		sub:    sub,
		client: client,
	}

	c.mu.Lock()
	if _, exists := c.peers[reg.PeerID]; exists {
		c.mu.Unlock()
		sub.Close()
		client.Close()
		return nil
	}
	c.peers[reg.PeerID] = p
	c.mu.Unlock()

	c.wg.Add(1)
	go c.subscribeLoop(p)

	c.logger.Info("Connected to peer %s at %s:%d", reg.PeerID, reg.Host, reg.Port)
	return nil
}

func (c *Coordinator) teardownPeer(peerID, reason string) {
	c.mu.Lock()
	p, ok := c.peers[peerID]
	delete(c.peers, peerID)
	c.mu.Unlock()
	if !ok {
		return
	}

	p.sub.Close()
	p.client.Close()

	released := c.ownership.ReleaseOwnedBy(peerID)
	if len(released) > 0 {
		c.logger.Info("Peer %s gone (%s), released %d stale ownership entries", peerID, reason, len(released))
	} else {
		c.logger.Info("Peer %s disconnected (%s)", peerID, reason)
	}
}

// subscribeLoop consumes broadcasts from one peer's publish channel.
func (c *Coordinator) subscribeLoop(p *peer) {
	defer c.wg.Done()
	for {
		env, err := ReadFrame(p.sub)
		if err != nil {
			// Reconnect happens on the next discovery round.
			c.mu.RLock()
			current, ok := c.peers[p.info.ID]
			c.mu.RUnlock()
			if ok && current == p {
				c.teardownPeer(p.info.ID, "subscription lost")
			}
			return
		}
		if env.Type != EnvelopeBroadcast {
			c.logger.Warn("Ignoring %s envelope on publish channel from %s", env.Type, env.SenderID)
			continue
		}
		c.handleBroadcast(env)
	}
}

// handleBroadcast applies a manage or release announcement to the
// ownership map. Simultaneous claims resolve by claim timestamp: the
// older claim stands; when ours is older we re-assert it so the other
// claimer defers.
func (c *Coordinator) handleBroadcast(env *Envelope) {
	p, err := env.DecodePayload()
	if err != nil {
		c.logger.Warn("Bad broadcast from %s: %v", env.SenderID, err)
		return
	}

	switch p.Op {
	case OpManageInstance:
		owner, claimedAt, ok := c.ownership.Entry(p.InstanceKey)
		if !ok || owner != c.cfg.PeerID {
			c.ownership.SetOwner(p.InstanceKey, env.SenderID, p.ClaimedAt)
			c.logger.Debug("Instance %s managed by %s", p.InstanceKey, env.SenderID)
			return
		}
		if owner == env.SenderID {
			return
		}
		if p.ClaimedAt < claimedAt || (p.ClaimedAt == claimedAt && env.SenderID < c.cfg.PeerID) {
			c.ownership.SetOwner(p.InstanceKey, env.SenderID, p.ClaimedAt)
			c.logger.Warn("Lost ownership of %s to %s (older claim)", p.InstanceKey, env.SenderID)
			if c.events != nil {
				c.events.OwnershipLost(p.InstanceKey, env.SenderID)
			}
			return
		}
		c.logger.Warn("Peer %s claimed %s we already own, re-asserting", env.SenderID, p.InstanceKey)
		c.broadcastManage(p.InstanceKey, claimedAt)

	case OpReleaseInstance:
		if c.ownership.ReleaseBy(p.InstanceKey, env.SenderID) {
			c.logger.Debug("Instance %s released by %s", p.InstanceKey, env.SenderID)
		}

	default:
		c.logger.Warn("Unknown broadcast op %q from %s", p.Op, env.SenderID)
	}
}

func (c *Coordinator) broadcastManage(instanceKey string, claimedAt int64) {
	if c.pub == nil {
		return
	}
	env := NewBroadcast(c.cfg.PeerID, Payload{
		Op:          OpManageInstance,
		InstanceKey: instanceKey,
		ClaimedAt:   claimedAt,
	})
	c.pub.Broadcast(env)
	if c.metrics != nil {
		c.metrics.BroadcastsTotal.Inc()
	}
}

func (c *Coordinator) broadcastRelease(instanceKey string) {
	if c.pub == nil {
		return
	}
	env := NewBroadcast(c.cfg.PeerID, Payload{
		Op:          OpReleaseInstance,
		InstanceKey: instanceKey,
	})
	c.pub.Broadcast(env)
	if c.metrics != nil {
		c.metrics.BroadcastsTotal.Inc()
	}
}

// Resolve reports whether a live remote peer owns the instance. It
// never claims; sessions use it to answer redirects without loading
// state first.
func (c *Coordinator) Resolve(instanceKey string) (PeerInfo, bool) {
	owner, ok := c.ownership.Owner(instanceKey)
	if !ok || owner == c.cfg.PeerID {
		return PeerInfo{}, false
	}
	c.mu.RLock()
	p, live := c.peers[owner]
	c.mu.RUnlock()
	if !live {
		return PeerInfo{}, false
	}
	return p.info, true
}

// Acquire resolves ownership for an instance about to be registered.
// When a live peer owns it, that peer is returned with local=false and
// the session responds with a redirect. Otherwise the local server
// claims (or re-announces) it.
func (c *Coordinator) Acquire(instanceKey string) (PeerInfo, bool) {
	owner, ok := c.ownership.Owner(instanceKey)
	if ok && owner != c.cfg.PeerID {
		c.mu.RLock()
		p, live := c.peers[owner]
		c.mu.RUnlock()
		if live {
			return p.info, false
		}
		// Entry points at a peer we cannot reach; reclaim.
		c.logger.Warn("Owner %s of %s is not connected, reclaiming", owner, instanceKey)
		c.ownership.Release(instanceKey)
	}

	claimedAt := c.ownership.Claim(instanceKey)
	c.broadcastManage(instanceKey, claimedAt)
	return c.SelfInfo(), true
}

// ReleaseInstance gives up local ownership and announces it.
func (c *Coordinator) ReleaseInstance(instanceKey string) {
	if !c.ownership.OwnedBySelf(instanceKey) {
		return
	}
	c.ownership.Release(instanceKey)
	c.broadcastRelease(instanceKey)
}

// PeerCount returns the number of connected peers.
func (c *Coordinator) PeerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers)
}

// IsReady reports whether the coordinator has joined the registry and
// is accepting work.
func (c *Coordinator) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

// Ping round-trips the peer's direct channel.
func (c *Coordinator) Ping(ctx context.Context, peerID string) error {
	client, err := c.peerClient(peerID)
	if err != nil {
		return err
	}
	resp, err := client.Request(ctx, NewDirect(c.cfg.PeerID, peerID, Payload{Op: OpPing}))
	if err != nil {
		return err
	}
	p, err := resp.DecodePayload()
	if err != nil {
		return err
	}
	if !p.OK {
		return fmt.Errorf("peer %s rejected ping", peerID)
	}
	return nil
}

// RequestOwner asks a peer whether it manages an instance.
func (c *Coordinator) RequestOwner(ctx context.Context, peerID, instanceKey string) (string, bool, error) {
	client, err := c.peerClient(peerID)
	if err != nil {
		return "", false, err
	}
	env := NewDirect(c.cfg.PeerID, peerID, Payload{Op: OpOwnerOf, InstanceKey: instanceKey})
	resp, err := client.Request(ctx, env)
	if err != nil {
		return "", false, err
	}
	p, err := resp.DecodePayload()
	if err != nil {
		return "", false, err
	}
	return p.OwnerID, p.Owned, nil
}

func (c *Coordinator) peerClient(peerID string) (*directClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("peer %s is not connected", peerID)
	}
	return p.client, nil
}

// handleDirect serves requests arriving on the direct channel.
func (c *Coordinator) handleDirect(env *Envelope) *Envelope {
	p, err := env.DecodePayload()
	if err != nil {
		c.logger.Warn("Bad direct request from %s: %v", env.SenderID, err)
		return NewResponse(env, c.cfg.PeerID, Payload{OK: false})
	}

	switch p.Op {
	case OpHello:
		return NewResponse(env, c.cfg.PeerID, Payload{
			Op:     OpHello,
			PeerID: c.cfg.PeerID,
			Host:   c.cfg.AdvertiseHost,
			Port:   c.cfg.Port,
			OK:     true,
		})
	case OpPing:
		return NewResponse(env, c.cfg.PeerID, Payload{Op: OpPing, OK: true})
	case OpOwnerOf:
		owner, _, ok := c.ownership.Entry(p.InstanceKey)
		return NewResponse(env, c.cfg.PeerID, Payload{
			Op:          OpOwnerOf,
			InstanceKey: p.InstanceKey,
			OwnerID:     owner,
			Owned:       ok && owner == c.cfg.PeerID,
			OK:          true,
		})
	default:
		c.logger.Warn("Unknown direct op %q from %s", p.Op, env.SenderID)
		return NewResponse(env, c.cfg.PeerID, Payload{Op: p.Op, OK: false})
	}
}

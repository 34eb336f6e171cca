package cluster

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinhq/skein/internal/logging"
	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/store/memstore"
)

func init() {
	logging.Initialize("error")
}

// freeBasePort finds a port whose channel ports are also free.
func freeBasePort(t *testing.T) int {
	t.Helper()
	for attempt := 0; attempt < 10; attempt++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		base := l.Addr().(*net.TCPAddr).Port
		l.Close()

		ok := true
		for _, offset := range []int{PubPortOffset, DirectPortOffset} {
			probe, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(base+offset))
			if err != nil {
				ok = false
				break
			}
			probe.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatal("no free port triple found")
	return 0
}

type lostRecorder struct {
	mu   sync.Mutex
	lost map[string]string
}

func newLostRecorder() *lostRecorder {
	return &lostRecorder{lost: make(map[string]string)}
}

func (r *lostRecorder) OwnershipLost(instanceKey, newOwnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost[instanceKey] = newOwnerID
}

func (r *lostRecorder) get(instanceKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.lost[instanceKey]
	return owner, ok
}

func TestCoordinatorPair(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	mkConfig := func(id string, port int) Config {
		return Config{
			PeerID:            id,
			BindHost:          "127.0.0.1",
			AdvertiseHost:     "127.0.0.1",
			Port:              port,
			RefreshInterval:   200 * time.Millisecond,
			DiscoveryInterval: 50 * time.Millisecond,
			DirectTimeout:     2 * time.Second,
			DialTimeout:       2 * time.Second,
		}
	}

	portA := freeBasePort(t)
	a := NewCoordinator(mkConfig("peer-a", portA), s.Registry(), nil)
	lostA := newLostRecorder()
	a.SetEvents(lostA)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { a.Stop(context.Background()) })

	portB := freeBasePort(t)
	b := NewCoordinator(mkConfig("peer-b", portB), s.Registry(), nil)
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { b.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		return a.PeerCount() == 1 && b.PeerCount() == 1
	}, 5*time.Second, 20*time.Millisecond, "peers never connected")

	t.Run("acquire claims locally and broadcasts", func(t *testing.T) {
		info, local := a.Acquire("graph:g1")
		require.True(t, local)
		assert.Equal(t, "peer-a", info.ID)
		assert.Equal(t, portA, info.Port)

		require.Eventually(t, func() bool {
			owner, ok := b.Ownership().Owner("graph:g1")
			return ok && owner == "peer-a"
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("acquire on the other peer redirects", func(t *testing.T) {
		info, local := b.Acquire("graph:g1")
		assert.False(t, local)
		assert.Equal(t, "peer-a", info.ID)
		assert.Equal(t, "127.0.0.1", info.Host)
		assert.Equal(t, portA, info.Port)
	})

	t.Run("release frees the instance cluster-wide", func(t *testing.T) {
		a.ReleaseInstance("graph:g1")

		require.Eventually(t, func() bool {
			_, ok := b.Ownership().Owner("graph:g1")
			return !ok
		}, 2*time.Second, 10*time.Millisecond)

		_, local := b.Acquire("graph:g1")
		assert.True(t, local)
		b.ReleaseInstance("graph:g1")
	})

	t.Run("direct ping", func(t *testing.T) {
		require.NoError(t, a.Ping(ctx, "peer-b"))
		require.NoError(t, b.Ping(ctx, "peer-a"))

		err := a.Ping(ctx, "peer-missing")
		assert.Error(t, err)
	})

	t.Run("ownerOf probe", func(t *testing.T) {
		a.Acquire("graph:g2")
		t.Cleanup(func() { a.ReleaseInstance("graph:g2") })

		owner, owned, err := b.RequestOwner(ctx, "peer-a", "graph:g2")
		require.NoError(t, err)
		assert.True(t, owned)
		assert.Equal(t, "peer-a", owner)

		owner, owned, err = b.RequestOwner(ctx, "peer-a", "graph:unknown")
		require.NoError(t, err)
		assert.False(t, owned)
		assert.Empty(t, owner)
	})

	t.Run("older competing claim wins", func(t *testing.T) {
		_, claimedAt, _ := awaitLocalClaim(t, a, "graph:g4")

		env := NewBroadcast("peer-0", Payload{
			Op:          OpManageInstance,
			InstanceKey: "graph:g4",
			ClaimedAt:   claimedAt - 1000,
		})
		a.handleBroadcast(env)

		owner, ok := a.Ownership().Owner("graph:g4")
		require.True(t, ok)
		assert.Equal(t, "peer-0", owner)

		newOwner, fired := lostA.get("graph:g4")
		require.True(t, fired, "OwnershipLost not fired")
		assert.Equal(t, "peer-0", newOwner)
		a.Ownership().Release("graph:g4")
	})

	t.Run("newer competing claim is re-asserted away", func(t *testing.T) {
		_, claimedAt, _ := awaitLocalClaim(t, a, "graph:g5")

		env := NewBroadcast("peer-z", Payload{
			Op:          OpManageInstance,
			InstanceKey: "graph:g5",
			ClaimedAt:   claimedAt + 1000,
		})
		a.handleBroadcast(env)

		owner, ok := a.Ownership().Owner("graph:g5")
		require.True(t, ok)
		assert.Equal(t, "peer-a", owner)

		_, fired := lostA.get("graph:g5")
		assert.False(t, fired)
		a.ReleaseInstance("graph:g5")
	})

	t.Run("stale release is ignored", func(t *testing.T) {
		_, _, _ = awaitLocalClaim(t, a, "graph:g6")

		env := NewBroadcast("peer-b", Payload{
			Op:          OpReleaseInstance,
			InstanceKey: "graph:g6",
		})
		a.handleBroadcast(env)

		assert.True(t, a.Ownership().OwnedBySelf("graph:g6"))
		a.ReleaseInstance("graph:g6")
	})

	t.Run("stopped peer is pruned and its entries released", func(t *testing.T) {
		b.Acquire("graph:g7")
		require.Eventually(t, func() bool {
			owner, ok := a.Ownership().Owner("graph:g7")
			return ok && owner == "peer-b"
		}, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, b.Stop(ctx))

		require.Eventually(t, func() bool {
			return a.PeerCount() == 0
		}, 5*time.Second, 20*time.Millisecond)

		require.Eventually(t, func() bool {
			_, ok := a.Ownership().Owner("graph:g7")
			return !ok
		}, 2*time.Second, 10*time.Millisecond)
	})
}

// awaitLocalClaim claims and returns the recorded entry.
func awaitLocalClaim(t *testing.T, c *Coordinator, instanceKey string) (string, int64, bool) {
	t.Helper()
	_, local := c.Acquire(instanceKey)
	require.True(t, local)
	owner, claimedAt, ok := c.Ownership().Entry(instanceKey)
	require.True(t, ok)
	return owner, claimedAt, ok
}

func TestCoordinatorRefreshReinserts(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	port := freeBasePort(t)
	c := NewCoordinator(Config{
		PeerID:            "peer-solo",
		BindHost:          "127.0.0.1",
		AdvertiseHost:     "127.0.0.1",
		Port:              port,
		RefreshInterval:   50 * time.Millisecond,
		DiscoveryInterval: time.Hour,
	}, s.Registry(), nil)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { c.Stop(context.Background()) })

	// Simulate an external janitor pruning the row.
	require.NoError(t, s.Registry().Remove(ctx, "peer-solo"))

	require.Eventually(t, func() bool {
		live, err := s.Registry().ListLive(ctx, 0)
		return err == nil && len(live) == 1 && live[0].PeerID == "peer-solo"
	}, 3*time.Second, 10*time.Millisecond, "registration was not re-inserted")
}

func TestCoordinatorStandalone(t *testing.T) {
	c := NewCoordinator(Config{PeerID: "solo", Standalone: true}, nil, nil)
	require.NoError(t, c.Start(context.Background()))

	info, local := c.Acquire("graph:g1")
	assert.True(t, local)
	assert.Equal(t, "solo", info.ID)
	assert.True(t, c.Ownership().OwnedBySelf("graph:g1"))

	// Acquire again re-announces without losing the claim.
	_, local = c.Acquire("graph:g1")
	assert.True(t, local)

	c.ReleaseInstance("graph:g1")
	_, ok := c.Ownership().Owner("graph:g1")
	assert.False(t, ok)

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
}

func TestCoordinatorVersionGate(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	c := NewCoordinator(Config{
		PeerID:         "peer-new",
		Standalone:     true,
		Version:        "1.2.0",
		MinPeerVersion: "1.0.0",
	}, s.Registry(), nil)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { c.Stop(context.Background()) })

	assert.True(t, c.peerCompatible(model.Registration{PeerID: "p1", Version: "1.0.0"}))
	assert.True(t, c.peerCompatible(model.Registration{PeerID: "p2", Version: "2.3.1"}))
	assert.False(t, c.peerCompatible(model.Registration{PeerID: "p3", Version: "0.9.9"}))
	assert.False(t, c.peerCompatible(model.Registration{PeerID: "p4"}),
		"a peer without a published version fails a configured floor")

	open := NewCoordinator(Config{PeerID: "peer-open", Standalone: true}, s.Registry(), nil)
	require.NoError(t, open.Start(ctx))
	t.Cleanup(func() { open.Stop(context.Background()) })
	assert.True(t, open.peerCompatible(model.Registration{PeerID: "p5"}),
		"no floor admits everything")
}

func TestCoordinatorRejectsBadMinPeerVersion(t *testing.T) {
	c := NewCoordinator(Config{
		Standalone:     true,
		MinPeerVersion: "not-a-version",
	}, nil, nil)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MinPeerVersion")
}

func TestCoordinatorPublishesVersion(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	port := freeBasePort(t)
	c := NewCoordinator(Config{
		PeerID:            "peer-v",
		BindHost:          "127.0.0.1",
		AdvertiseHost:     "127.0.0.1",
		Port:              port,
		Version:           "0.1.0",
		RefreshInterval:   time.Hour,
		DiscoveryInterval: time.Hour,
	}, s.Registry(), nil)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { c.Stop(context.Background()) })

	live, err := s.Registry().ListLive(ctx, 0)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "0.1.0", live[0].Version)
}

// Package arango implements store.Store on ArangoDB. Graphs, nodes,
// edges, node configurations, history records and the cluster registry
// each live in their own collection; edges use a real edge collection
// so graph traversals stay available to other consumers of the same
// database.
package arango

import (
	"context"
	"fmt"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/arangodb/shared"
	"github.com/arangodb/go-driver/v2/connection"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/skeinhq/skein/internal/logging"
	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/store"
)

// Collection names.
const (
	colGraphs      = "graphs"
	colNodes       = "nodes"
	colEdges       = "edges"
	colNodeConfigs = "node_configs"
	colHistory     = "graph_history"
	colRegistry    = "cluster_registry"
)

// Config holds ArangoDB connection configuration
type Config struct {
	Endpoints           []string // e.g. ["http://localhost:8529"]
	Database            string
	Username            string
	Password            string
	InsecureSkipVerify  bool // Skip TLS certificate verification (insecure)
	NodeConfigCacheSize int  // LRU entries for node configuration reads, 0 disables the cache
}

// Store implements store.Store and lifecycle.Component. Connecting and
// schema checks happen in Start so construction stays cheap.
type Store struct {
	cfg    Config
	client arangodb.Client
	db     arangodb.Database
	logger *logging.Logger

	graphStore    *graphStore
	nodeStore     *elementStore
	edgeStore     *elementStore
	configStore   *configStore
	historyStore  *historyStore
	registryStore *registryStore
}

// New creates the store from configuration. No network IO happens until
// Start.
func New(cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no ArangoDB endpoints configured")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("no ArangoDB database configured")
	}

	endpoint := connection.NewRoundRobinEndpoints(cfg.Endpoints)
	conn := connection.NewHttpConnection(connection.DefaultHTTPConfigurationWrapper(endpoint, cfg.InsecureSkipVerify))
	if cfg.Username != "" {
		auth := connection.NewBasicAuth(cfg.Username, cfg.Password)
		if err := conn.SetAuthentication(auth); err != nil {
			return nil, fmt.Errorf("failed to set authentication: %w", err)
		}
	}

	s := &Store{
		cfg:    cfg,
		client: arangodb.NewClient(conn),
		logger: logging.GetLogger("store.arango"),
	}

	var cache *lru.Cache[string, model.Element]
	if cfg.NodeConfigCacheSize > 0 {
		var err error
		cache, err = lru.New[string, model.Element](cfg.NodeConfigCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create node config cache: %w", err)
		}
	}

	s.graphStore = &graphStore{s: s}
	s.nodeStore = &elementStore{s: s, col: colNodes, edge: false}
	s.edgeStore = &elementStore{s: s, col: colEdges, edge: true}
	s.configStore = &configStore{s: s, cache: cache}
	s.historyStore = &historyStore{s: s}
	s.registryStore = &registryStore{s: s}
	return s, nil
}

// Start implements lifecycle.Component. It connects to the server,
// creates the database and collections when missing and verifies
// access.
func (s *Store) Start(ctx context.Context) error {
	s.logger.Info("Connecting to ArangoDB at %v", s.cfg.Endpoints)

	version, err := s.client.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach ArangoDB: %w", err)
	}
	s.logger.Info("Connected to ArangoDB %s", version.Version)

	exists, err := s.client.DatabaseExists(ctx, s.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to check database %q: %w", s.cfg.Database, err)
	}
	if !exists {
		s.logger.Info("Creating database %q", s.cfg.Database)
		if _, err := s.client.CreateDatabase(ctx, s.cfg.Database, nil); err != nil {
			return fmt.Errorf("failed to create database %q: %w", s.cfg.Database, err)
		}
	}

	db, err := s.client.GetDatabase(ctx, s.cfg.Database, nil)
	if err != nil {
		return fmt.Errorf("failed to open database %q: %w", s.cfg.Database, err)
	}
	s.db = db

	if err := s.ensureCollections(ctx); err != nil {
		return err
	}

	s.logger.Info("ArangoDB store ready, database=%s", s.cfg.Database)
	return nil
}

// Stop implements lifecycle.Component
func (s *Store) Stop(ctx context.Context) error {
	return s.Close(ctx)
}

// Name implements lifecycle.Component
func (s *Store) Name() string {
	return "ArangoDB Store"
}

func (s *Store) ensureCollections(ctx context.Context) error {
	documentCols := []string{colGraphs, colNodes, colNodeConfigs, colHistory, colRegistry}
	for _, name := range documentCols {
		if err := s.ensureCollection(ctx, name, arangodb.CollectionTypeDocument); err != nil {
			return err
		}
	}
	return s.ensureCollection(ctx, colEdges, arangodb.CollectionTypeEdge)
}

func (s *Store) ensureCollection(ctx context.Context, name string, typ arangodb.CollectionType) error {
	exists, err := s.db.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %q: %w", name, err)
	}
	if exists {
		return nil
	}
	s.logger.Info("Creating collection %q", name)
	_, err = s.db.CreateCollection(ctx, name, &arangodb.CreateCollectionProperties{Type: typ})
	if err != nil {
		return fmt.Errorf("failed to create collection %q: %w", name, err)
	}
	return nil
}

func (s *Store) collection(ctx context.Context, name string) (arangodb.Collection, error) {
	return s.db.GetCollection(ctx, name, nil)
}

func (s *Store) Graphs() store.GraphStore           { return s.graphStore }
func (s *Store) Nodes() store.ElementStore          { return s.nodeStore }
func (s *Store) Edges() store.ElementStore          { return s.edgeStore }
func (s *Store) NodeConfigs() store.NodeConfigStore { return s.configStore }
func (s *Store) History() store.HistoryStore        { return s.historyStore }
func (s *Store) Registry() store.RegistryStore      { return s.registryStore }

// Ping verifies the server answers. Used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Version(ctx)
	if err != nil {
		return fmt.Errorf("ArangoDB unreachable: %w", err)
	}
	return nil
}

// Close releases the connection. The HTTP connection holds no
// long-lived resources beyond keep-alive sockets, so this only logs.
func (s *Store) Close(ctx context.Context) error {
	s.logger.Info("ArangoDB store closed")
	return nil
}

// mapErr converts driver errors into store sentinel errors so callers
// never import the driver.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if shared.IsNotFound(err) {
		return store.ErrNotFound
	}
	if shared.IsConflict(err) {
		return store.ErrConflict
	}
	return err
}

// query runs an AQL statement and drains the cursor into out, one
// map per row.
func (s *Store) query(ctx context.Context, aql string, bindVars map[string]interface{}) ([]map[string]interface{}, error) {
	cursor, err := s.db.Query(ctx, aql, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return nil, mapErr(err)
	}
	defer cursor.Close()

	var out []map[string]interface{}
	for cursor.HasMore() {
		var doc map[string]interface{}
		if _, err := cursor.ReadDocument(ctx, &doc); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, doc)
	}
	return out, nil
}

// exec runs an AQL statement for its side effects only.
func (s *Store) exec(ctx context.Context, aql string, bindVars map[string]interface{}) error {
	cursor, err := s.db.Query(ctx, aql, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return mapErr(err)
	}
	return cursor.Close()
}

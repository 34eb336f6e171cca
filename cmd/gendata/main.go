package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/store/arango"
)

const (
	defaultEndpoints = "http://localhost:8529"
	defaultDatabase  = "skein"
	defaultUsername  = "root"
	defaultGraphKey  = "demo"
	defaultSheets    = 2
	defaultNodes     = 25
)

var nodeTypes = []string{
	"trigger", "task", "decision", "timer", "webhook", "note",
}

func main() {
	endpoints := flag.String("endpoints", defaultEndpoints, "Comma-separated ArangoDB endpoints")
	database := flag.String("database", defaultDatabase, "ArangoDB database name")
	username := flag.String("username", defaultUsername, "ArangoDB username")
	password := flag.String("password", "", "ArangoDB password")
	insecure := flag.Bool("insecure", false, "Skip TLS certificate verification")
	graphKey := flag.String("graph-key", defaultGraphKey, "Key of the graph to create")
	graphName := flag.String("graph-name", "Demo Workflow", "Display name of the graph")
	sheetCount := flag.Int("sheets", defaultSheets, "Number of sheets to generate")
	nodeCount := flag.Int("nodes", defaultNodes, "Nodes per sheet")
	seed := flag.Int64("seed", 0, "Random seed (0 = use current time)")

	flag.Parse()

	// Initialize random seed
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	fmt.Printf("Seeding demo graph with:\n")
	fmt.Printf("  Endpoints: %s\n", *endpoints)
	fmt.Printf("  Database: %s\n", *database)
	fmt.Printf("  Graph key: %s\n", *graphKey)
	fmt.Printf("  Sheets: %d\n", *sheetCount)
	fmt.Printf("  Nodes per sheet: %d\n", *nodeCount)
	fmt.Printf("  Seed: %d\n", *seed)
	fmt.Println()

	st, err := arango.New(arango.Config{
		Endpoints:          strings.Split(*endpoints, ","),
		Database:           *database,
		Username:           *username,
		Password:           *password,
		InsecureSkipVerify: *insecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid store configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := st.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to ArangoDB: %v\n", err)
		os.Exit(1)
	}
	defer st.Close(ctx)

	// Create graph metadata
	now := time.Now().UnixMilli()
	graph := &model.Graph{
		Key:       *graphKey,
		Name:      *graphName,
		Sheets:    map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i := 0; i < *sheetCount; i++ {
		graph.AddSheet(fmt.Sprintf("sheet-%d", i+1), fmt.Sprintf("Sheet %d", i+1))
	}
	if err := st.Graphs().Put(ctx, graph); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create graph %s: %v\n", *graphKey, err)
		os.Exit(1)
	}

	// Local keys are a single base-36 counter shared across all sheets,
	// matching the keys a live session would allocate.
	var counter uint64
	nextKey := func() string {
		counter++
		return model.FormatLocalKey(counter)
	}

	totalNodes := 0
	totalEdges := 0
	for _, sheetID := range graph.SheetIDs() {
		nodes, edges := generateSheet(sheetID, *nodeCount, nextKey, rng)

		for _, node := range nodes {
			if err := st.Nodes().Create(ctx, *graphKey, node); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to create node %s: %v\n", node.Key(), err)
				os.Exit(1)
			}
		}
		for _, edge := range edges {
			if err := st.Edges().Create(ctx, *graphKey, edge); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to create edge %s: %v\n", edge.Key(), err)
				os.Exit(1)
			}
		}

		totalNodes += len(nodes)
		totalEdges += len(edges)
		fmt.Printf("  ✓ Seeded %d nodes and %d edges on %s\n", len(nodes), len(edges), sheetID)
	}

	// One configuration document per node type so the palette has
	// something to show against the seeded graph.
	for _, typ := range nodeTypes {
		identifier := "demo." + typ
		if err := st.NodeConfigs().Put(ctx, identifier, nodeConfig(identifier, typ)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create node config %s: %v\n", identifier, err)
			os.Exit(1)
		}
	}
	fmt.Printf("  ✓ Seeded %d node configurations\n", len(nodeTypes))

	fmt.Printf("\n✓ Successfully seeded graph %q with %d nodes and %d edges across %d sheet(s)\n",
		*graphKey, totalNodes, totalEdges, *sheetCount)
}

// generateSheet creates the nodes and edges of one sheet. Nodes sit on
// a rough grid with positional jitter; edges chain consecutive nodes
// and add a few random cross links.
func generateSheet(sheetID string, nodeCount int, nextKey func() string, rng *rand.Rand) ([]model.Element, []model.Element) {
	const (
		columns  = 5
		cellW    = 240
		cellH    = 160
		jitterPx = 40
	)

	nodes := make([]model.Element, 0, nodeCount)
	for i := 0; i < nodeCount; i++ {
		typ := nodeTypes[rng.Intn(len(nodeTypes))]
		if i == 0 {
			// Every sheet starts with a trigger
			typ = "trigger"
		}
		x := (i%columns)*cellW + rng.Intn(jitterPx)
		y := (i/columns)*cellH + rng.Intn(jitterPx)

		nodes = append(nodes, model.Element{
			model.FieldKey:        nextKey(),
			model.FieldSheet:      sheetID,
			model.FieldIdentifier: "demo." + typ,
			"name":                fmt.Sprintf("%s-%d", typ, i+1),
			"position":            map[string]any{"x": x, "y": y},
			model.FieldData:       map[string]any{"generated": true},
		})
	}

	edges := make([]model.Element, 0, nodeCount)
	for i := 0; i+1 < len(nodes); i++ {
		edges = append(edges, connect(sheetID, nextKey(), nodes[i], nodes[i+1]))
	}

	// Roughly one cross link per five nodes
	for i := 0; i < nodeCount/5; i++ {
		from := rng.Intn(len(nodes))
		to := rng.Intn(len(nodes))
		if from == to {
			continue
		}
		edges = append(edges, connect(sheetID, nextKey(), nodes[from], nodes[to]))
	}

	return nodes, edges
}

// connect builds an edge element between two nodes on a sheet.
func connect(sheetID, key string, from, to model.Element) model.Element {
	return model.Element{
		model.FieldKey:    key,
		model.FieldSheet:  sheetID,
		model.FieldSource: from.Key(),
		model.FieldTarget: to.Key(),
	}
}

// nodeConfig builds a minimal configuration document for a node type.
func nodeConfig(identifier, typ string) model.Element {
	return model.Element{
		model.FieldIdentifier: identifier,
		"name":                displayName(typ),
		"category":            "demo",
		"fields": []any{
			map[string]any{"name": "label", "type": "string"},
			map[string]any{"name": "enabled", "type": "boolean"},
		},
	}
}

// displayName upper-cases the first letter of a node type.
func displayName(typ string) string {
	if typ == "" {
		return typ
	}
	return strings.ToUpper(typ[:1]) + typ[1:]
}

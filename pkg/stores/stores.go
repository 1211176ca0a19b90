// Package stores wires concrete storage backends into the repository
// contracts the memory engines consume. Local mode runs fully embedded
// (ristretto sessions, chromem vectors, sqlite documents and graph);
// production mode swaps the vector index for Qdrant and the graph for
// Neo4j.
package stores

import (
	"fmt"
	"path/filepath"

	"github.com/theapemachine/mnemo/pkg/memory"
	"github.com/theapemachine/mnemo/pkg/stores/chromem"
	"github.com/theapemachine/mnemo/pkg/stores/neo4j"
	"github.com/theapemachine/mnemo/pkg/stores/qdrant"
	"github.com/theapemachine/mnemo/pkg/stores/session"
	"github.com/theapemachine/mnemo/pkg/stores/sqlite"
)

// Storage modes accepted by New.
const (
	ModeLocal      = "local"
	ModeProduction = "production"
)

// Config selects and parameterizes the storage backends.
type Config struct {
	Mode    string
	DataDir string

	SessionTTL  int // seconds
	MaxMessages int

	QdrantEndpoint string
	Neo4jEndpoint  string
	Neo4jUser      string
	Neo4jPassword  string
}

// Bundle holds one repository per concern, ready to hand to the engines.
type Bundle struct {
	Session  memory.SessionRepo
	Vector   memory.VectorRepo
	Document memory.DocumentRepo
	Graph    memory.GraphRepo

	closers []func() error
}

// Close releases every backend that holds resources.
func (b *Bundle) Close() error {
	var first error

	for _, close := range b.closers {
		if err := close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}

// New builds the storage bundle for the configured mode. An unknown mode is
// a deployment misconfiguration and fails hard.
func New(cfg Config) (*Bundle, error) {
	sessions, err := session.New(cfg.SessionTTL, cfg.MaxMessages)

	if err != nil {
		return nil, fmt.Errorf("stores: session store: %w", err)
	}

	documents, err := sqlite.NewDocumentStore(filepath.Join(cfg.DataDir, "documents.db"))

	if err != nil {
		return nil, fmt.Errorf("stores: document store: %w", err)
	}

	bundle := &Bundle{
		Session:  sessions,
		Document: documents,
		closers:  []func() error{sessions.Close, documents.Close},
	}

	switch cfg.Mode {
	case ModeLocal, "":
		vectors, err := chromem.New(filepath.Join(cfg.DataDir, "vectors"))

		if err != nil {
			return nil, fmt.Errorf("stores: vector store: %w", err)
		}

		graph, err := sqlite.NewGraphStore(filepath.Join(cfg.DataDir, "graph.db"))

		if err != nil {
			return nil, fmt.Errorf("stores: graph store: %w", err)
		}

		bundle.Vector = vectors
		bundle.Graph = graph
		bundle.closers = append(bundle.closers, graph.Close)
	case ModeProduction:
		bundle.Vector = qdrant.New(cfg.QdrantEndpoint)
		bundle.Graph = neo4j.New(cfg.Neo4jEndpoint, cfg.Neo4jUser, cfg.Neo4jPassword)
	default:
		return nil, fmt.Errorf("stores: unknown storage mode %q", cfg.Mode)
	}

	return bundle, nil
}

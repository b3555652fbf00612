// Package graph is the graph modality: vertices and directed or
// undirected edges encoded as per-vertex adjacency lists in one
// collection of the engine. Every edge is represented twice, once at
// each endpoint, and all multi-entry updates run in one transaction.
package graph

import (
	"context"
	"math"

	"github.com/nichtich/ukv/arena"
	"github.com/nichtich/ukv/soa"
	"github.com/nichtich/ukv/storage/engine"
	"github.com/nichtich/ukv/utils/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EdgeAnon is the reserved edge id of unweighted, anonymous edges.
const EdgeAnon int64 = math.MinInt64

// Edge is one edge between two vertices. Source and Target are
// interchangeable for undirected edges.
type Edge struct {
	Source     int64
	Target     int64
	ID         int64
	Undirected bool
}

// Graph serves adjacency operations over one collection. It is
// stateless and reentrant.
type Graph struct {
	engine     *engine.Engine
	collection uint64
	logger     *zap.Logger
}

// New creates a graph modality over a collection.
func New(e *engine.Engine, collection uint64, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Graph{engine: e, collection: collection, logger: logger}
}

// mirrors returns the two adjacency entries representing an edge: one
// for the source's list, one for the target's.
func mirrors(e Edge) (entry, entry) {
	if e.Undirected {
		return entry{neighbor: e.Target, edge: e.ID, dir: Undirected},
			entry{neighbor: e.Source, edge: e.ID, dir: Undirected}
	}

	return entry{neighbor: e.Target, edge: e.ID, dir: Out},
		entry{neighbor: e.Source, edge: e.ID, dir: In}
}

// listSet is the working set of adjacency lists one operation touches.
// Lists load in batches and flush as one batched engine write.
type listSet struct {
	graph   *Graph
	txn     *engine.Txn
	arena   *arena.Arena
	lists   map[int64][]entry
	present map[int64]bool
	dirty   map[int64]bool
	deleted map[int64]bool
}

func (g *Graph) newListSet(txn *engine.Txn, a *arena.Arena) *listSet {
	return &listSet{
		graph:   g,
		txn:     txn,
		arena:   a,
		lists:   map[int64][]entry{},
		present: map[int64]bool{},
		dirty:   map[int64]bool{},
		deleted: map[int64]bool{},
	}
}

// load fetches the adjacency lists of the given vertices that are not
// in the working set yet, with one batched read.
func (s *listSet) load(vertices []int64) error {
	var missing []int64
	seen := map[int64]bool{}

	for _, v := range vertices {
		if _, ok := s.lists[v]; !ok && !seen[v] {
			seen[v] = true
			missing = append(missing, v)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	opts := engine.Options{TrackReads: true, DontDiscardMemory: true}
	result, err := s.graph.engine.Read(s.txn, s.arena, len(missing), soa.Repeat(s.graph.collection), soa.Slice(missing), opts)

	if err != nil {
		return err
	}

	for i, v := range missing {
		value := result.Tape.At(i)

		if value == nil {
			s.lists[v] = nil
			s.present[v] = false

			continue
		}

		entries, err := decodeList(value)

		if err != nil {
			return err
		}

		s.lists[v] = entries
		s.present[v] = true
	}

	return nil
}

func (s *listSet) set(v int64, entries []entry) {
	s.lists[v] = entries
	s.dirty[v] = true
	s.deleted[v] = false
}

func (s *listSet) drop(v int64) {
	s.lists[v] = nil
	s.dirty[v] = true
	s.deleted[v] = true
}

// flush writes every modified list back with one batched engine write.
func (s *listSet) flush() error {
	var keys []int64
	var vals [][]byte

	for v := range s.dirty {
		keys = append(keys, v)

		if s.deleted[v] {
			vals = append(vals, nil)
		} else {
			vals = append(vals, encodeList(s.lists[v]))
		}
	}

	if len(keys) == 0 {
		return nil
	}

	opts := engine.Options{WatchOnWrite: true}

	return s.graph.engine.Write(s.txn, len(keys), soa.Repeat(s.graph.collection), soa.Slice(keys), engine.ValuesFromSlices(vals), opts)
}

// update runs fn against a working set inside the given transaction,
// or inside an internal one retried on conflict when txn is nil.
func (g *Graph) update(txn *engine.Txn, a *arena.Arena, fn func(*listSet) error) error {
	if g == nil || g.engine == nil {
		return engine.ErrUninitialized
	}

	if txn != nil {
		s := g.newListSet(txn, a)

		if err := fn(s); err != nil {
			return err
		}

		return s.flush()
	}

	for {
		auto, err := g.engine.Begin()

		if err != nil {
			return err
		}

		s := g.newListSet(auto, a)

		if err := fn(s); err != nil {
			auto.Abort()

			return err
		}

		if err := s.flush(); err != nil {
			auto.Abort()

			return err
		}

		err = auto.Commit()

		if errors.Is(err, engine.ErrConflict) {
			continue
		}

		return err
	}
}

// UpsertEdges adds edges, creating missing endpoint lists. Both mirror
// entries of each edge are written in the same transaction.
func (g *Graph) UpsertEdges(ctx context.Context, txn *engine.Txn, a *arena.Arena, edges []Edge) error {
	logger := log.WithContext(ctx, g.logger).With(zap.String("operation", "graph.UpsertEdges"))

	err := g.update(txn, a, func(s *listSet) error {
		if err := s.load(endpoints(edges)); err != nil {
			return err
		}

		for _, e := range edges {
			atSource, atTarget := mirrors(e)

			s.set(e.Source, upsertEntry(s.lists[e.Source], atSource))
			s.set(e.Target, upsertEntry(s.lists[e.Target], atTarget))
		}

		return nil
	})

	logger.Debug("upsert", zap.Int("edges", len(edges)), zap.Error(err))

	return err
}

// RemoveEdges removes the exact mirror entries of each edge from both
// endpoints. Endpoint lists stay present even when they become empty.
func (g *Graph) RemoveEdges(ctx context.Context, txn *engine.Txn, a *arena.Arena, edges []Edge) error {
	logger := log.WithContext(ctx, g.logger).With(zap.String("operation", "graph.RemoveEdges"))

	err := g.update(txn, a, func(s *listSet) error {
		if err := s.load(endpoints(edges)); err != nil {
			return err
		}

		for _, e := range edges {
			atSource, atTarget := mirrors(e)

			if s.present[e.Source] || s.dirty[e.Source] {
				s.set(e.Source, removeEntry(s.lists[e.Source], atSource))
			}

			if s.present[e.Target] || s.dirty[e.Target] {
				s.set(e.Target, removeEntry(s.lists[e.Target], atTarget))
			}
		}

		return nil
	})

	logger.Debug("remove", zap.Int("edges", len(edges)), zap.Error(err))

	return err
}

// RemoveVertices removes vertices and every edge incident to them,
// erasing the mirrors from all neighbor lists. Atomic per batch.
func (g *Graph) RemoveVertices(ctx context.Context, txn *engine.Txn, a *arena.Arena, vertices []int64) error {
	logger := log.WithContext(ctx, g.logger).With(zap.String("operation", "graph.RemoveVertices"))

	err := g.update(txn, a, func(s *listSet) error {
		if err := s.load(vertices); err != nil {
			return err
		}

		var neighbors []int64
		incident := map[int64][]entry{}

		for _, v := range vertices {
			// Copied so neighbor-list pruning below cannot disturb
			// the iteration when a vertex neighbors itself.
			incident[v] = append([]entry(nil), s.lists[v]...)

			for _, e := range incident[v] {
				neighbors = append(neighbors, e.neighbor)
			}
		}

		if err := s.load(neighbors); err != nil {
			return err
		}

		for _, v := range vertices {
			for _, e := range incident[v] {
				if s.deleted[e.neighbor] {
					continue
				}

				s.set(e.neighbor, removeNeighbor(s.lists[e.neighbor], v))
			}

			s.drop(v)
		}

		return nil
	})

	logger.Debug("remove vertices", zap.Int("vertices", len(vertices)), zap.Error(err))

	return err
}

func endpoints(edges []Edge) []int64 {
	vertices := make([]int64, 0, len(edges)*2)

	for _, e := range edges {
		vertices = append(vertices, e.Source, e.Target)
	}

	return vertices
}

// readList fetches one adjacency list outside of any working set.
func (g *Graph) readList(txn *engine.Txn, a *arena.Arena, v int64) ([]entry, bool, error) {
	if g == nil || g.engine == nil {
		return nil, false, engine.ErrUninitialized
	}

	result, err := g.engine.Read(txn, a, 1, soa.Repeat(g.collection), soa.Slice([]int64{v}), engine.Options{TrackReads: txn != nil})

	if err != nil {
		return nil, false, err
	}

	value := result.Tape.At(0)

	if value == nil {
		return nil, false, nil
	}

	entries, err := decodeList(value)

	if err != nil {
		return nil, false, err
	}

	return entries, true, nil
}

// Contains reports whether the vertex exists.
func (g *Graph) Contains(ctx context.Context, txn *engine.Txn, a *arena.Arena, v int64) (bool, error) {
	_, present, err := g.readList(txn, a, v)

	return present, err
}

// Degree returns the number of adjacency entries of a vertex matching
// the direction filter. A missing vertex has degree zero.
func (g *Graph) Degree(ctx context.Context, txn *engine.Txn, a *arena.Arena, v int64, dir Direction) (int, error) {
	entries, _, err := g.readList(txn, a, v)

	if err != nil {
		return 0, err
	}

	degree := 0

	for _, e := range entries {
		if e.matches(dir) {
			degree++
		}
	}

	return degree, nil
}

// edgeAt materializes the edge an adjacency entry of vertex v
// describes.
func edgeAt(v int64, e entry) Edge {
	switch e.dir {
	case In:
		return Edge{Source: e.neighbor, Target: v, ID: e.edge}
	case Undirected:
		return Edge{Source: v, Target: e.neighbor, ID: e.edge, Undirected: true}
	default:
		return Edge{Source: v, Target: e.neighbor, ID: e.edge}
	}
}

// Edges returns the edges incident to a vertex matching the direction
// filter.
func (g *Graph) Edges(ctx context.Context, txn *engine.Txn, a *arena.Arena, v int64, dir Direction) ([]Edge, error) {
	entries, _, err := g.readList(txn, a, v)

	if err != nil {
		return nil, err
	}

	var edges []Edge

	for _, e := range entries {
		if e.matches(dir) {
			edges = append(edges, edgeAt(v, e))
		}
	}

	return edges, nil
}

// EdgesBetween returns the edges leading from u to v: outgoing entries
// of u pointing at v plus undirected edges between the two.
func (g *Graph) EdgesBetween(ctx context.Context, txn *engine.Txn, a *arena.Arena, u, v int64) ([]Edge, error) {
	entries, _, err := g.readList(txn, a, u)

	if err != nil {
		return nil, err
	}

	var edges []Edge

	for _, e := range entries {
		if e.neighbor != v || e.dir == In {
			continue
		}

		edges = append(edges, edgeAt(u, e))
	}

	return edges, nil
}

// Neighbors returns the distinct neighbor ids of a vertex matching the
// direction filter, in ascending order.
func (g *Graph) Neighbors(ctx context.Context, txn *engine.Txn, a *arena.Arena, v int64, dir Direction) ([]int64, error) {
	entries, _, err := g.readList(txn, a, v)

	if err != nil {
		return nil, err
	}

	var neighbors []int64

	for _, e := range entries {
		if !e.matches(dir) {
			continue
		}

		if len(neighbors) == 0 || neighbors[len(neighbors)-1] != e.neighbor {
			neighbors = append(neighbors, e.neighbor)
		}
	}

	return neighbors, nil
}

// Vertices returns every vertex id in the collection in ascending
// order.
func (g *Graph) Vertices(ctx context.Context, txn *engine.Txn, a *arena.Arena) ([]int64, error) {
	if g == nil || g.engine == nil {
		return nil, engine.ErrUninitialized
	}

	return g.engine.Scan(txn, a, g.collection, math.MinInt64, -1, engine.Options{})
}

// AllEdges returns every edge of the graph exactly once. Directed edges
// surface at their source; undirected edges at their lower endpoint.
func (g *Graph) AllEdges(ctx context.Context, txn *engine.Txn, a *arena.Arena) ([]Edge, error) {
	vertices, err := g.Vertices(ctx, txn, a)

	if err != nil {
		return nil, err
	}

	var edges []Edge

	for _, v := range vertices {
		entries, _, err := g.readList(txn, a, v)

		if err != nil {
			return nil, err
		}

		for _, e := range entries {
			switch e.dir {
			case Out:
				edges = append(edges, edgeAt(v, e))
			case Undirected:
				if v <= e.neighbor {
					edges = append(edges, edgeAt(v, e))
				}
			}
		}
	}

	return edges, nil
}

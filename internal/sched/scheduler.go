package sched

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrCycle is returned by Build in strict mode when the dependency graph
// contains a cycle.
var ErrCycle = errors.New("sched: dependency cycle")

// Scheduler orders registered systems by their declared dependencies and
// runs them in parallel wavefronts: within a wavefront no edges exist, so
// all members may run concurrently; across wavefronts execution is strictly
// ordered by a barrier.
type Scheduler struct {
	log     *zap.Logger
	workers int
	strict  bool

	systems      []System
	waves        [][]int
	built        bool
	defaultGroup *Group
}

// New creates a scheduler. workers bounds per-wavefront parallelism; strict
// makes Build fail on dependency cycles instead of falling back to
// insertion order.
func New(log *zap.Logger, workers int, strict bool) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{log: log, workers: workers, strict: strict}
}

// SetDefaultGroup attaches systems that declare no group of their own to g.
func (s *Scheduler) SetDefaultGroup(g *Group) {
	s.defaultGroup = g
	s.built = false
}

func (s *Scheduler) groupOf(sys System) *Group {
	if g := sys.Group(); g != nil {
		return g
	}
	return s.defaultGroup
}

// Register appends a system. Registration order breaks write-write ties and
// orders the cycle fallback.
func (s *Scheduler) Register(sys System) {
	s.systems = append(s.systems, sys)
	s.built = false
}

// Len returns the number of registered systems.
func (s *Scheduler) Len() int { return len(s.systems) }

// Wavefronts returns the system names per wavefront, for inspection.
func (s *Scheduler) Wavefronts() [][]string {
	out := make([][]string, len(s.waves))
	for i, wave := range s.waves {
		names := make([]string, len(wave))
		for j, idx := range wave {
			names[j] = s.systems[idx].Name()
		}
		out[i] = names
	}
	return out
}

// Build materialises the dependency graph and its wavefronts. Edges come
// from explicit Before/After lists, inherited group constraints, and data
// hazards on declared Reads/Writes (write-write conflicts fall back to
// registration order).
func (s *Scheduler) Build() error {
	n := len(s.systems)
	g := newGraph(n)

	types := make([]reflect.Type, n)
	byType := make(map[reflect.Type][]int, n)
	for i, sys := range s.systems {
		types[i] = reflect.TypeOf(sys)
		byType[types[i]] = append(byType[types[i]], i)
	}

	ancestors := make([][]*Group, n)
	members := make(map[*Group][]int)
	for i, sys := range s.systems {
		if grp := s.groupOf(sys); grp != nil {
			ancestors[i] = grp.ancestors()
			for _, a := range ancestors[i] {
				members[a] = append(members[a], i)
			}
		}
	}

	// Effective access sets include everything inherited from ancestors.
	reads := make([]map[Resource]struct{}, n)
	writes := make([]map[Resource]struct{}, n)
	for i, sys := range s.systems {
		reads[i] = resourceSet(sys.Reads())
		writes[i] = resourceSet(sys.Writes())
		for _, a := range ancestors[i] {
			for _, r := range a.reads {
				reads[i][r] = struct{}{}
			}
			for _, r := range a.writes {
				writes[i][r] = struct{}{}
			}
		}
	}

	// Explicit system-level ordering.
	for i, sys := range s.systems {
		for _, t := range sys.Before() {
			for _, j := range byType[t] {
				if i != j {
					g.addEdge(i, j)
				}
			}
		}
		for _, t := range sys.After() {
			for _, j := range byType[t] {
				if i != j {
					g.addEdge(j, i)
				}
			}
		}
	}

	// Inherited group ordering: each ancestor's constraints bind the member.
	for i := range s.systems {
		for _, a := range ancestors[i] {
			for _, target := range a.before {
				for _, j := range members[target] {
					if i != j {
						g.addEdge(i, j)
					}
				}
			}
			for _, source := range a.after {
				for _, j := range members[source] {
					if i != j {
						g.addEdge(j, i)
					}
				}
			}
		}
	}

	// Data hazards, pairwise. Read-write, write-read and write-write
	// conflicts all order the pair by registration, so hazards alone can
	// never form a cycle. A hazard edge that would contradict an explicit
	// or group constraint yields to it.
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if g.hasEdge(j, i) {
				continue
			}
			if intersects(writes[i], reads[j]) ||
				intersects(reads[i], writes[j]) ||
				intersects(writes[i], writes[j]) {
				g.addEdge(i, j)
			}
		}
	}

	waves, stuck := g.levels()
	if len(stuck) > 0 {
		names := make([]string, len(stuck))
		for i, idx := range stuck {
			names[i] = s.systems[idx].Name()
		}
		if s.strict {
			return fmt.Errorf("%w involving [%s]", ErrCycle, strings.Join(names, ", "))
		}
		s.log.Warn("dependency cycle, falling back to registration order",
			zap.Strings("systems", names))
		waves = append(waves, stuck)
	}
	s.waves = waves
	s.built = true
	return nil
}

// Run executes one pass over all wavefronts. After each wavefront the
// written stores get their change masks propagated upward, serially.
func (s *Scheduler) Run(frame *Frame) error {
	if !s.built {
		if err := s.Build(); err != nil {
			return err
		}
	}
	for _, wave := range s.waves {
		s.runWave(wave, frame)
		s.propagateWave(wave)
	}
	return nil
}

func (s *Scheduler) runWave(wave []int, frame *Frame) {
	if len(wave) == 1 || s.workers == 1 {
		for _, idx := range wave {
			s.systems[idx].Run(frame)
		}
		return
	}
	workers := s.workers
	if workers > len(wave) {
		workers = len(wave)
	}
	work := make(chan System)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for sys := range work {
				sys.Run(frame)
			}
		}()
	}
	for _, idx := range wave {
		work <- s.systems[idx]
	}
	close(work)
	wg.Wait()
}

// propagateWave ORs deferred chunk-level change bits upward for every
// resource written by the wavefront, exactly once per resource.
func (s *Scheduler) propagateWave(wave []int) {
	seen := make(map[Resource]struct{})
	for _, idx := range wave {
		sys := s.systems[idx]
		rs := sys.Writes()
		if grp := s.groupOf(sys); grp != nil {
			for _, a := range grp.ancestors() {
				rs = append(rs, a.writes...)
			}
		}
		for _, r := range rs {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			if p, ok := r.(Propagator); ok {
				p.PropagateChangedMasks()
			}
		}
	}
}

func resourceSet(rs []Resource) map[Resource]struct{} {
	out := make(map[Resource]struct{}, len(rs))
	for _, r := range rs {
		out[r] = struct{}{}
	}
	return out
}

func intersects(a, b map[Resource]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for r := range a {
		if _, ok := b[r]; ok {
			return true
		}
	}
	return false
}

// graph is the dependency graph over system indices.
type graph struct {
	n     int
	adj   [][]int
	inDeg []int
	edges map[[2]int]struct{}
}

func newGraph(n int) *graph {
	return &graph{
		n:     n,
		adj:   make([][]int, n),
		inDeg: make([]int, n),
		edges: make(map[[2]int]struct{}),
	}
}

func (g *graph) hasEdge(from, to int) bool {
	_, ok := g.edges[[2]int{from, to}]
	return ok
}

func (g *graph) addEdge(from, to int) {
	key := [2]int{from, to}
	if _, dup := g.edges[key]; dup {
		return
	}
	g.edges[key] = struct{}{}
	g.adj[from] = append(g.adj[from], to)
	g.inDeg[to]++
}

// levels runs levelised Kahn: each level is the set of nodes whose
// remaining in-degree is zero. The second result lists nodes trapped in a
// cycle, in index order; it is empty for a DAG.
func (g *graph) levels() ([][]int, []int) {
	inDeg := make([]int, g.n)
	copy(inDeg, g.inDeg)

	var waves [][]int
	emitted := make([]bool, g.n)
	remaining := g.n
	for remaining > 0 {
		var wave []int
		for v := 0; v < g.n; v++ {
			if !emitted[v] && inDeg[v] == 0 {
				wave = append(wave, v)
			}
		}
		if len(wave) == 0 {
			var stuck []int
			for v := 0; v < g.n; v++ {
				if !emitted[v] {
					stuck = append(stuck, v)
				}
			}
			return waves, stuck
		}
		for _, v := range wave {
			emitted[v] = true
			remaining--
			for _, u := range g.adj[v] {
				inDeg[u]--
			}
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

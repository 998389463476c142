package scheduler

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/stoatdb/stoat/telemetry"
	"github.com/stoatdb/stoat/txn"
)

// deadlockResolver periodically snapshots the wait-for graph, finds its
// strongly connected components, and deterministically rewrites the
// stable ones. The live graph keeps growing while a pass runs, so the
// pass must not clobber additions made after the snapshot: for every txn
// in a stable component the waiting-for counter cannot change underneath
// us and the waited-by list can only grow, which makes it safe to write
// back the counter and the snapshotted prefix of the list.
type deadlockResolver struct {
	lm *DDRLockManager

	snapshot  map[txn.TxnID]*TxnInfo
	auxGraph  map[txn.TxnID]*resolverNode
	topoOrder []txn.TxnID
	scc       []txn.TxnID
}

type componentType int8

const (
	componentUnassigned componentType = iota
	componentStable
	componentUnstable
)

type resolverNode struct {
	id         txn.TxnID
	isComplete bool

	// redges is the transpose adjacency: for a forward edge t→w ("t
	// unblocks w"), w's redges contain t.
	redges   []txn.TxnID
	visited  bool
	compType componentType
}

func newDeadlockResolver(lm *DDRLockManager) *deadlockResolver {
	return &deadlockResolver{lm: lm}
}

func (r *deadlockResolver) Name() string { return "deadlock_resolver" }

func (r *deadlockResolver) SetUp() error { return nil }

// Loop runs one resolve pass.
func (r *deadlockResolver) Loop() bool {
	log.Trace().Msg("Deadlock resolver woke up")

	r.takeSnapshot()
	toBeUpdated, readyTxns, numSCCs := r.analyze()

	if numSCCs > 0 {
		log.Debug().Int("deadlocks", numSCCs).Msg("Found and resolved deadlock group(s)")
		r.lm.deadlocksResolved.Add(uint64(numSCCs))
		telemetry.DeadlocksResolvedTotal.Add(float64(numSCCs))
	} else {
		log.Trace().Msg("No stable deadlock found")
	}

	if len(toBeUpdated) > 0 {
		r.writeBack(toBeUpdated)
	}

	if len(readyTxns) > 0 {
		r.lm.mutReadyTxns.Lock()
		r.lm.readyTxns = append(r.lm.readyTxns, readyTxns...)
		r.lm.mutReadyTxns.Unlock()

		// Publish before signaling so the scheduler always observes the
		// appended ids after waking.
		r.lm.hub.Signal()
	}

	return numSCCs > 0
}

// takeSnapshot copies the txn dependency graph.
func (r *deadlockResolver) takeSnapshot() {
	r.lm.mutTxnInfo.Lock()
	r.snapshot = make(map[txn.TxnID]*TxnInfo, len(r.lm.txnInfo))
	for id, info := range r.lm.txnInfo {
		r.snapshot[id] = info.clone()
	}
	r.lm.mutTxnInfo.Unlock()
}

// analyze finds the stable strongly connected components of the snapshot
// and rewrites each into a path.
func (r *deadlockResolver) analyze() (toBeUpdated, readyTxns []txn.TxnID, numSCCs int) {
	// Find a topological order and build the transpose graph.
	r.topoOrder = r.topoOrder[:0]
	r.auxGraph = make(map[txn.TxnID]*resolverNode, len(r.snapshot))
	for _, info := range r.snapshot {
		node := r.ensureNode(info)
		if !node.visited {
			node.visited = true
			r.findTopoOrderAndTranspose(info)
		}
	}
	reverse(r.topoOrder)

	// Form the strongly connected components, traversing the transpose in
	// topological order. Each stable component with more than one member
	// is resolved deterministically.
	for _, id := range r.topoOrder {
		node, ok := r.auxGraph[id]
		if !ok {
			log.Fatal().Uint64("txn", uint64(id)).Msg("Topological order contains unknown txn")
		}
		if node.compType != componentUnassigned {
			continue
		}
		r.scc = r.scc[:0]
		if !r.formStronglyConnectedComponent(node) {
			for _, member := range r.scc {
				r.auxGraph[member].compType = componentUnstable
			}
		} else if len(r.scc) > 1 {
			if ready, ok := r.resolveDeadlock(); ok {
				readyTxns = append(readyTxns, ready)
			}
			toBeUpdated = append(toBeUpdated, r.scc...)
			numSCCs++
		}
	}
	return toBeUpdated, readyTxns, numSCCs
}

// writeBack copies the deadlock-free dependencies into the live table.
// The suffix appended to a waited-by list while the pass ran is preserved
// by overwriting only the snapshotted prefix; the waiting-for counters of
// a stable component cannot have changed since the snapshot, so replacing
// them is safe.
func (r *deadlockResolver) writeBack(toBeUpdated []txn.TxnID) {
	r.lm.mutTxnInfo.Lock()
	defer r.lm.mutTxnInfo.Unlock()
	for _, id := range toBeUpdated {
		resolved, ok := r.snapshot[id]
		if !ok {
			log.Fatal().Uint64("txn", uint64(id)).Msg("Resolved component contains unknown txn")
		}
		live, ok := r.lm.txnInfo[id]
		if !ok {
			log.Error().Uint64("txn", uint64(id)).Msg("Resolved txn no longer exists")
			continue
		}
		copy(live.WaitedBy, resolved.WaitedBy)
		live.NumWaitingFor = resolved.NumWaitingFor
	}
}

func (r *deadlockResolver) ensureNode(info *TxnInfo) *resolverNode {
	node, ok := r.auxGraph[info.ID]
	if !ok {
		node = &resolverNode{id: info.ID, isComplete: info.IsComplete()}
		r.auxGraph[info.ID] = node
	}
	return node
}

// findTopoOrderAndTranspose depth-first-walks the forward graph from t,
// recording the transpose adjacency on the way; the post-order it
// produces, reversed, is a topological order of the forward graph.
func (r *deadlockResolver) findTopoOrderAndTranspose(t *TxnInfo) {
	for _, n := range t.WaitedBy {
		if n == txn.SentinelTxnID {
			continue
		}
		neighborInfo, ok := r.snapshot[n]
		if !ok {
			// The waiter left between the edge being recorded and this
			// pass; the edge is stale.
			log.Error().Uint64("txn", uint64(n)).Msg("Snapshot references unknown txn")
			continue
		}
		node := r.ensureNode(neighborInfo)
		node.redges = append(node.redges, t.ID)
		if !node.visited {
			node.visited = true
			r.findTopoOrderAndTranspose(neighborInfo)
		}
	}
	r.topoOrder = append(r.topoOrder, t.ID)
}

// formStronglyConnectedComponent collects node's component by traversing
// the transpose, and reports whether the component is stable: every
// member complete and no in-edge arriving from an unstable component.
func (r *deadlockResolver) formStronglyConnectedComponent(node *resolverNode) bool {
	r.scc = append(r.scc, node.id)
	// Assume stable until a member or an in-edge proves otherwise.
	node.compType = componentStable

	isStable := node.isComplete
	for _, n := range node.redges {
		neighbor, ok := r.auxGraph[n]
		if !ok {
			log.Fatal().Uint64("txn", uint64(n)).Msg("Corrupted auxiliary graph: unknown node")
		}
		switch neighbor.compType {
		case componentUnassigned:
			if !r.formStronglyConnectedComponent(neighbor) {
				isStable = false
			}
		case componentUnstable:
			isStable = false
		}
	}
	return isStable
}

// resolveDeadlock rewrites the current component into the simple path
// s(k-1) → s(k-2) → … → s(0), members sorted ascending by txn id — the
// deterministic tie-break every replica computes identically. Each member
// except the last gains exactly one outgoing edge, and every other
// intra-component edge is replaced by the sentinel. Returns the head s(0) if it became ready.
func (r *deadlockResolver) resolveDeadlock() (txn.TxnID, bool) {
	scc := r.scc
	sort.Slice(scc, func(i, j int) bool { return scc[i] < scc[j] })

	for i := len(scc) - 1; i >= 0; i-- {
		t, ok := r.snapshot[scc[i]]
		if !ok {
			log.Fatal().Uint64("txn", uint64(scc[i])).Msg("Component contains unknown txn")
		}
		if !t.IsComplete() {
			log.Fatal().Uint64("txn", uint64(scc[i])).Msg("Stable component contains incomplete txn")
		}

		// The last member keeps its head open: no new edge.
		newEdgeAdded := i == len(scc)-1
		for j := range t.WaitedBy {
			if !containsSorted(scc, t.WaitedBy[j]) {
				continue
			}
			waiting := r.snapshot[t.WaitedBy[j]]
			if !newEdgeAdded {
				t.WaitedBy[j] = scc[i+1]
				// i runs in reverse, so scc[i+1] was verified already.
				r.snapshot[scc[i+1]].NumWaitingFor++
				newEdgeAdded = true
			} else {
				// The sentinel removes this edge in place.
				t.WaitedBy[j] = txn.SentinelTxnID
			}
			waiting.NumWaitingFor--
		}
		// Every member of a cycle has at least one intra-component
		// waited-by entry, so a slot for the new edge always exists.
		if !newEdgeAdded {
			log.Fatal().Uint64("txn", uint64(scc[i])).Msg("Cannot find slot to add new edge")
		}
	}

	head := r.snapshot[scc[0]]
	if head.IsReady() {
		return scc[0], true
	}
	return 0, false
}

func containsSorted(xs []txn.TxnID, x txn.TxnID) bool {
	i := sort.Search(len(xs), func(i int) bool { return xs[i] >= x })
	return i < len(xs) && xs[i] == x
}

func reverse(xs []txn.TxnID) {
	for i, j := 0, len(xs)-1; i < j; i, j = i+1, j-1 {
		xs[i], xs[j] = xs[j], xs[i]
	}
}

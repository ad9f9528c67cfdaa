package job

import "sort"

// workerLoad is one worker's current chunk count, used by every planner
// that picks a least- or most-loaded destination/source.
type workerLoad struct {
	Worker string
	Chunks int
}

// sortByLoadAsc orders workers least-loaded first, applying tie-breaking
// rule 1 of spec.md §4.4: "chunk count, then alphabetical worker name."
func sortByLoadAsc(loads []workerLoad) {
	sort.Slice(loads, func(i, j int) bool {
		if loads[i].Chunks != loads[j].Chunks {
			return loads[i].Chunks < loads[j].Chunks
		}
		return loads[i].Worker < loads[j].Worker
	})
}

// sortByLoadDesc orders workers most-loaded first, same tie-break.
func sortByLoadDesc(loads []workerLoad) {
	sort.Slice(loads, func(i, j int) bool {
		if loads[i].Chunks != loads[j].Chunks {
			return loads[i].Chunks > loads[j].Chunks
		}
		return loads[i].Worker < loads[j].Worker
	})
}

// knownWorkers filters out any worker FindAllJob marked "unknown" (a failed
// FindAll), per tie-break rule 2: such workers are never selected as source
// or destination.
func knownWorkers(workers []string, workersOK map[string]bool) []string {
	out := make([]string, 0, len(workers))
	for _, w := range workers {
		if workersOK[w] {
			out = append(out, w)
		}
	}
	return out
}

// sortedChunks returns a deterministic ascending ordering of a chunk set,
// so planners iterate chunks in a stable order across runs.
func sortedChunks(set map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

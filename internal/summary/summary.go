// Package summary aggregates replica status across a database into the
// counts a controller dashboard or periodic report needs: how many
// replicas are complete/incomplete/corrupt, and how many chunks are below
// their configured replication level.
package summary

import "shardctl/internal/replica"

// Summary holds aggregated replica status counts for one database.
type Summary struct {
	Complete        int `json:"complete"`
	Incomplete      int `json:"incomplete"`
	Corrupt         int `json:"corrupt"`
	NotFound        int `json:"not_found"`
	UnderReplicated int `json:"under_replicated"`
}

// Summarize computes counts from a list of replica records and the
// database's configured replication level. A chunk is under-replicated
// when the number of Complete replicas backing it is below level.
func Summarize(replicas []replica.Info, level int) Summary {
	var s Summary
	complete := make(map[uint32]int)
	chunks := make(map[uint32]struct{})
	for _, r := range replicas {
		chunks[r.Chunk] = struct{}{}
		switch r.Status {
		case replica.Complete:
			s.Complete++
			complete[r.Chunk]++
		case replica.Incomplete:
			s.Incomplete++
		case replica.Corrupt:
			s.Corrupt++
		case replica.NotFound:
			s.NotFound++
		}
	}
	for chunk := range chunks {
		if complete[chunk] < level {
			s.UnderReplicated++
		}
	}
	return s
}

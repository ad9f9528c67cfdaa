package job

import "testing"

func TestSortByLoadAscTiesBreakAlphabetically(t *testing.T) {
	loads := []workerLoad{{"w3", 2}, {"w1", 2}, {"w2", 1}}
	sortByLoadAsc(loads)
	want := []string{"w2", "w1", "w3"}
	for i, w := range want {
		if loads[i].Worker != w {
			t.Fatalf("loads[%d]=%s, want %s", i, loads[i].Worker, w)
		}
	}
}

func TestSortByLoadDescTiesBreakAlphabetically(t *testing.T) {
	loads := []workerLoad{{"w3", 1}, {"w1", 2}, {"w2", 2}}
	sortByLoadDesc(loads)
	want := []string{"w1", "w2", "w3"}
	for i, w := range want {
		if loads[i].Worker != w {
			t.Fatalf("loads[%d]=%s, want %s", i, loads[i].Worker, w)
		}
	}
}

func TestKnownWorkersExcludesFailedFindAll(t *testing.T) {
	ok := map[string]bool{"w1": true, "w2": false}
	got := knownWorkers([]string{"w1", "w2", "w3"}, ok)
	if len(got) != 1 || got[0] != "w1" {
		t.Fatalf("got %v, want [w1]", got)
	}
}

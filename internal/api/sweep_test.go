package api

import "testing"

func TestCartesianCombosEmptyYieldsNoCombos(t *testing.T) {
	combos := cartesianCombos(nil)
	if combos != nil {
		t.Errorf("expected nil for empty params, got %v", combos)
	}
}

func TestCartesianCombosProduct(t *testing.T) {
	combos := cartesianCombos(map[string][]string{
		"lr": {"0.1", "0.01"},
		"bs": {"32", "64"},
	})
	if len(combos) != 4 {
		t.Fatalf("expected 4 combinations, got %d", len(combos))
	}
	seen := make(map[string]bool)
	for _, c := range combos {
		seen[c["lr"]+"/"+c["bs"]] = true
	}
	for _, want := range []string{"0.1/32", "0.1/64", "0.01/32", "0.01/64"} {
		if !seen[want] {
			t.Errorf("missing combination %q", want)
		}
	}
}

func TestMergeWithRowsMultipliesByRowCount(t *testing.T) {
	combos := []map[string]string{{"lr": "0.1"}, {"lr": "0.01"}}
	rows := []map[string]string{{"dataset": "a"}, {"dataset": "b"}, {"dataset": "c"}}

	merged := mergeWithRows(combos, rows)
	if len(merged) != 6 {
		t.Fatalf("expected 2*3=6 merged combinations, got %d", len(merged))
	}
	for _, m := range merged {
		if m["lr"] == "" || m["dataset"] == "" {
			t.Errorf("expected merged combo to carry both keys, got %v", m)
		}
	}
}

func TestRenderTemplateSubstitutesAllKeys(t *testing.T) {
	got := renderTemplate("run-{lr}-{bs}", map[string]string{"lr": "0.1", "bs": "32"})
	want := "run-0.1-32"
	if got != want {
		t.Errorf("renderTemplate() = %q, want %q", got, want)
	}
}

func TestExpandSweepAssignsGroupIDWhenMissing(t *testing.T) {
	jobs, groupID := expandSweep(BatchRequest{
		Base:   SubmissionRequest{Command: "x", WorkingDir: "/tmp"},
		Params: map[string][]string{"seed": {"1", "2"}},
	})
	if groupID == "" {
		t.Fatal("expected a generated group id")
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 derived jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.GroupID != groupID {
			t.Errorf("expected derived job to carry group id %q, got %q", groupID, j.GroupID)
		}
	}
}

func TestExpandSweepWithNoParamsOrRowsYieldsOneJob(t *testing.T) {
	jobs, _ := expandSweep(BatchRequest{Base: SubmissionRequest{Command: "x", WorkingDir: "/tmp"}})
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one derived job with no sweep axes, got %d", len(jobs))
	}
}

package pkgmodel

import "testing"

func indexOf(queue []Package, name string) int {
	for i, p := range queue {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func TestBuildInstallationQueueRespectsRequire(t *testing.T) {
	updated := Manifest{
		"a": {Name: "a", Checksum: "ha", Installable: Ok, Require: []string{"b"}},
		"b": {Name: "b", Checksum: "hb", Installable: Ok},
		"c": {Name: "c", Checksum: "hc", Installable: Ok, Require: []string{"a"}},
	}

	queue, err := BuildInstallationQueue(updated, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 3 {
		t.Fatalf("queue length = %d, want 3", len(queue))
	}

	ia, ib, ic := indexOf(queue, "a"), indexOf(queue, "b"), indexOf(queue, "c")
	if ib > ia {
		t.Errorf("b (dependency of a) must come before a: order = %v", names(queue))
	}
	if ia > ic {
		t.Errorf("a (dependency of c) must come before c: order = %v", names(queue))
	}
}

func TestBuildInstallationQueueDetectsCycle(t *testing.T) {
	updated := Manifest{
		"a": {Name: "a", Installable: Ok, Require: []string{"b"}},
		"b": {Name: "b", Installable: Ok, Require: []string{"a"}},
	}

	if _, err := BuildInstallationQueue(updated, nil, nil); err == nil {
		t.Error("expected cycle error, got nil")
	}
}

func TestBuildInstallationQueuePinsAccessControlLast(t *testing.T) {
	updated := Manifest{
		"accessControlKernel": {Name: "accessControlKernel", Installable: Ok},
		"accessControlApp":    {Name: "accessControlApp", Installable: Ok},
		"other":               {Name: "other", Installable: Ok},
	}

	queue, err := BuildInstallationQueue(updated, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 3 {
		t.Fatalf("queue length = %d, want 3", len(queue))
	}
	if queue[1].Name != accessControlApp || queue[2].Name != accessControlKernel {
		t.Errorf("expected accessControlApp then accessControlKernel last, got %v", names(queue))
	}
}

func names(queue []Package) []string {
	out := make([]string, len(queue))
	for i, p := range queue {
		out[i] = p.Name
	}
	return out
}

func TestBuildInstallationQueueDeterministic(t *testing.T) {
	updated := Manifest{
		"z": {Name: "z", Installable: Ok},
		"a": {Name: "a", Installable: Ok},
		"m": {Name: "m", Installable: Ok},
	}

	q1, err := BuildInstallationQueue(updated, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	q2, err := BuildInstallationQueue(updated, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(q1) != len(q2) {
		t.Fatal("length mismatch")
	}
	for i := range q1 {
		if q1[i].Name != q2[i].Name {
			t.Errorf("non-deterministic ordering at %d: %s vs %s", i, q1[i].Name, q2[i].Name)
		}
	}
}

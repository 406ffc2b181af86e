package consensus

import (
	"reflect"
	"testing"
)

func TestQuorum(t *testing.T) {
	cases := []struct {
		size  int
		want  int
	}{
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
	}
	for _, c := range cases {
		cfg := make(GroupConfiguration, c.size)
		if got := cfg.Quorum(); got != c.want {
			t.Errorf("Quorum for size %d: got %d want %d", c.size, got, c.want)
		}
	}
}

func TestOthersExcludesSelf(t *testing.T) {
	cfg := GroupConfiguration{"a", "b", "c"}
	got := cfg.Others("b")
	want := []NodeId{"a", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Others: got %v want %v", got, want)
	}
}

func TestContains(t *testing.T) {
	cfg := GroupConfiguration{"a", "b"}
	if !cfg.Contains("a") {
		t.Fatal("expected cfg to contain a")
	}
	if cfg.Contains("z") {
		t.Fatal("expected cfg to not contain z")
	}
}

package dag

import (
	"reflect"
	"strings"
	"testing"

	"github.com/stevedores-org/aurora/internal/aerrors"
)

func depsFrom(m map[string][]string) func(string) []string {
	return func(name string) []string { return m[name] }
}

func TestBuildSimpleChain(t *testing.T) {
	order := []string{"a", "b", "c"}
	deps := depsFrom(map[string][]string{
		"b": {"a"},
		"c": {"b"},
	})

	g, err := Build(order, deps)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	layers := g.Layers()
	want := [][]string{{"a"}, {"b"}, {"c"}}
	if !reflect.DeepEqual(layers, want) {
		t.Errorf("Layers() = %v, want %v", layers, want)
	}
}

func TestBuildUnknownDependency(t *testing.T) {
	order := []string{"a"}
	deps := depsFrom(map[string][]string{"a": {"missing"}})

	_, err := Build(order, deps)
	var unknown *aerrors.UnknownDependency
	if err == nil {
		t.Fatal("expected an error")
	}
	if ue, ok := err.(*aerrors.UnknownDependency); ok {
		unknown = ue
	} else {
		t.Fatalf("expected *aerrors.UnknownDependency, got %T", err)
	}
	if unknown.From != "a" || unknown.To != "missing" {
		t.Errorf("unexpected UnknownDependency: %+v", unknown)
	}
}

func TestBuildCycleRejected(t *testing.T) {
	order := []string{"a", "b", "c"}
	deps := depsFrom(map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	})

	_, err := Build(order, deps)
	if err == nil {
		t.Fatal("expected a cyclic dependency error")
	}
	if _, ok := err.(*aerrors.CyclicDependency); !ok {
		t.Fatalf("expected *aerrors.CyclicDependency, got %T", err)
	}
}

func TestAncestors(t *testing.T) {
	order := []string{"a", "b", "c", "d"}
	deps := depsFrom(map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	})
	g, err := Build(order, deps)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	got, err := g.Ancestors("d")
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Ancestors(d) = %v, want %v", got, want)
	}
}

func TestSubgraphDropsEmptyLayers(t *testing.T) {
	order := []string{"a", "b", "c", "d"}
	deps := depsFrom(map[string][]string{
		"b": {"a"},
		"c": {"b"},
		"d": {"c"},
	})
	g, err := Build(order, deps)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	target := map[string]bool{"a": true, "d": true}
	out := g.Subgraph(target)
	want := [][]string{{"a"}, {"d"}}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("Subgraph() = %v, want %v", out, want)
	}
}

func TestDOTContainsEveryNode(t *testing.T) {
	order := []string{"a", "b"}
	deps := depsFrom(map[string][]string{"b": {"a"}})
	g, err := Build(order, deps)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	dot := g.DOT()
	for _, want := range []string{`"a"`, `"b"`, `"a" -> "b"`} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT() missing %q:\n%s", want, dot)
		}
	}
}

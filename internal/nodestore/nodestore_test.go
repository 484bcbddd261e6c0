package nodestore

import (
	"context"
	"errors"
	"testing"
)

type memStore struct {
	refs map[NodeID][]Reference
}

func (m *memStore) References(ctx context.Context, id NodeID) ([]Reference, error) {
	return m.refs[id], nil
}

func TestForEachChildSkipsRemoteTargets(t *testing.T) {
	store := &memStore{refs: map[NodeID][]Reference{
		"parent": {
			{ReferenceTypeID: "HasComponent", TargetID: "child1", TargetIsLocal: true},
			{ReferenceTypeID: "HasComponent", TargetID: "remote1", TargetIsLocal: false},
			{ReferenceTypeID: "Organizes", TargetID: "child2", IsInverse: true, TargetIsLocal: true},
		},
	}}

	var visited []NodeID
	err := ForEachChild(context.Background(), store, "parent", func(childID NodeID, refType ReferenceTypeID, isInverse bool) error {
		visited = append(visited, childID)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachChild: %v", err)
	}
	if len(visited) != 2 || visited[0] != "child1" || visited[1] != "child2" {
		t.Fatalf("visited = %v, want [child1 child2]", visited)
	}
}

func TestForEachChildStopsOnFirstError(t *testing.T) {
	store := &memStore{refs: map[NodeID][]Reference{
		"parent": {
			{ReferenceTypeID: "HasComponent", TargetID: "child1", TargetIsLocal: true},
			{ReferenceTypeID: "HasComponent", TargetID: "child2", TargetIsLocal: true},
		},
	}}

	boom := errors.New("boom")
	calls := 0
	err := ForEachChild(context.Background(), store, "parent", func(childID NodeID, refType ReferenceTypeID, isInverse bool) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (stop at first error)", calls)
	}
}

func TestForEachChildNoReferences(t *testing.T) {
	store := &memStore{refs: map[NodeID][]Reference{}}
	called := false
	err := ForEachChild(context.Background(), store, "orphan", func(NodeID, ReferenceTypeID, bool) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachChild: %v", err)
	}
	if called {
		t.Fatalf("callback should not be invoked for node with no references")
	}
}

// Package nodestore implements the forEachChildNodeCall browse helper:
// given a node, invoke a callback once per child reached via a reference
// whose target is a locally held node, in both forward and inverse
// reference directions, stopping at the first callback error.
package nodestore

import "context"

// NodeID identifies a node. The store itself is opaque to this package;
// nodestore only knows how to walk references.
type NodeID = string

// ReferenceTypeID identifies a reference type (e.g. HasComponent,
// Organizes, HasSubtype).
type ReferenceTypeID = string

// Reference is one edge out of a node, in either direction.
type Reference struct {
	ReferenceTypeID ReferenceTypeID
	IsInverse       bool
	TargetID        NodeID
	// TargetIsLocal reports whether TargetID resolves to a node held by
	// this server. References to remote/expanded node ids are skipped,
	// matching the original's check that a target lives in the local
	// namespace before invoking the callback.
	TargetIsLocal bool
}

// Store is the minimal browse surface forEachChildNodeCall needs. A real
// address-space implementation backs this; nodestore never constructs
// nodes itself.
type Store interface {
	// References returns every reference (both directions) whose source
	// is id. Order is unspecified; callers must not depend on it.
	References(ctx context.Context, id NodeID) ([]Reference, error)
}

// ChildCallback is invoked once per local child reference found.
// Returning an error stops the walk and is propagated by ForEachChild.
type ChildCallback func(childID NodeID, referenceTypeID ReferenceTypeID, isInverse bool) error

// ForEachChild walks every reference attached to id and invokes fn for
// each one whose target is held locally, matching
// UA_Server_forEachChildNodeCall: both reference directions are visited,
// and the walk stops at the first error fn returns.
func ForEachChild(ctx context.Context, store Store, id NodeID, fn ChildCallback) error {
	refs, err := store.References(ctx, id)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if !ref.TargetIsLocal {
			continue
		}
		if err := fn(ref.TargetID, ref.ReferenceTypeID, ref.IsInverse); err != nil {
			return err
		}
	}
	return nil
}

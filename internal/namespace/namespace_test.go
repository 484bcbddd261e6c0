package namespace

import "testing"

func TestNewHasFoundationURI(t *testing.T) {
	tbl := New()
	uri, err := tbl.URIAt(0, "urn:example:app")
	if err != nil {
		t.Fatalf("URIAt(0): %v", err)
	}
	if uri != OPCFoundationURI {
		t.Fatalf("index 0 = %q, want %q", uri, OPCFoundationURI)
	}
}

func TestEnsureNS1LazyFromAppURI(t *testing.T) {
	tbl := New()
	if size := tbl.Size(); size != 2 {
		t.Fatalf("Size() = %d, want 2", size)
	}
	uri, err := tbl.URIAt(1, "urn:example:app")
	if err != nil {
		t.Fatalf("URIAt(1): %v", err)
	}
	if uri != "urn:example:app" {
		t.Fatalf("index 1 = %q, want urn:example:app", uri)
	}
}

func TestEnsureNS1DoesNotClobberCustomURI(t *testing.T) {
	tbl := New()
	tbl.Add("urn:custom:ns1", "urn:example:app")
	uri, err := tbl.URIAt(1, "urn:example:app")
	if err != nil {
		t.Fatalf("URIAt(1): %v", err)
	}
	if uri != "urn:custom:ns1" {
		t.Fatalf("index 1 = %q, want urn:custom:ns1 (custom NS1 must survive EnsureNS1)", uri)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	tbl := New()
	i1 := tbl.Add("urn:foo", "urn:example:app")
	i2 := tbl.Add("urn:foo", "urn:example:app")
	if i1 != i2 {
		t.Fatalf("Add(urn:foo) returned %d then %d, want identical index", i1, i2)
	}
	i3 := tbl.Add("urn:bar", "urn:example:app")
	if i3 == i1 {
		t.Fatalf("Add(urn:bar) collided with urn:foo's index %d", i1)
	}
}

func TestIndexOfNotFound(t *testing.T) {
	tbl := New()
	if _, err := tbl.IndexOf("urn:missing", "urn:example:app"); err != ErrNotFound {
		t.Fatalf("IndexOf(missing) = %v, want ErrNotFound", err)
	}
}

func TestURIAtOutOfBoundsIsNotFound(t *testing.T) {
	tbl := New()
	if _, err := tbl.URIAt(2, "urn:example:app"); err != ErrNotFound {
		t.Fatalf("URIAt(2) on a 2-entry table = %v, want ErrNotFound (index >= size)", err)
	}
}

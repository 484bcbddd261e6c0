// Package namespace implements the server's namespace URI<->index table.
package namespace

import "sync"

// OPCFoundationURI is namespace index 0, fixed for every server.
const OPCFoundationURI = "http://opcfoundation.org/UA/"

// Table is a URI<->16-bit-index registry. Index 0 is always
// OPCFoundationURI. Index 1 is reserved for the server's own application
// URI and is populated lazily on first touch via EnsureNS1, matching
// setupNs1Uri's "as soon as the array is read or written" contract.
type Table struct {
	mu   sync.Mutex
	uris []string // uris[1] is empty until EnsureNS1 runs
}

// New builds a table with namespace 0 and a placeholder for namespace 1.
func New() *Table {
	return &Table{uris: []string{OPCFoundationURI, ""}}
}

// EnsureNS1 fills namespace 1 with appURI if it has not been set yet. It
// is idempotent and must be called before any read of the table so a
// custom NS1 URI set via Add before first use is not clobbered.
func (t *Table) EnsureNS1(appURI string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureNS1Locked(appURI)
}

func (t *Table) ensureNS1Locked(appURI string) {
	if t.uris[1] == "" {
		t.uris[1] = appURI
	}
}

// Add registers uri, returning its index. If uri is already registered its
// existing index is returned unchanged (idempotent add).
func (t *Table) Add(uri string, appURI string) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureNS1Locked(appURI)
	for i, existing := range t.uris {
		if existing == uri {
			return uint16(i)
		}
	}
	t.uris = append(t.uris, uri)
	return uint16(len(t.uris) - 1)
}

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "namespace: not found" }

// IndexOf returns the index for uri.
func (t *Table) IndexOf(uri string, appURI string) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureNS1Locked(appURI)
	for i, existing := range t.uris {
		if existing == uri {
			return uint16(i), nil
		}
	}
	return 0, ErrNotFound
}

// URIAt returns the URI registered at index. Per the resolved Open
// Question, index >= size is out of bounds and reported as not-found
// (the original C implementation's off-by-one `index > size` check is not
// reproduced here).
func (t *Table) URIAt(index uint16, appURI string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureNS1Locked(appURI)
	if int(index) >= len(t.uris) {
		return "", ErrNotFound
	}
	return t.uris[index], nil
}

// Size returns the number of registered namespaces.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.uris)
}

// All returns a copy of the registered URIs in index order.
func (t *Table) All(appURI string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureNS1Locked(appURI)
	out := make([]string, len(t.uris))
	copy(out, t.uris)
	return out
}

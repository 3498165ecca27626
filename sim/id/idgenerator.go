// Package id generates identifiers for events and recording sessions.
package id

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// Generator can generate IDs.
type Generator interface {
	// Generate an ID
	Generate() string
}

var (
	defaultLock      sync.Mutex
	defaultGenerator Generator
	defaultInUse     bool
)

// NewSequential returns a generator whose IDs are "1", "2", ... in order.
// Sequential IDs keep virtual-time runs reproducible.
func NewSequential() Generator {
	return &sequentialIDGenerator{}
}

// NewParallel returns a generator backed by xid. IDs are globally unique but
// not deterministic.
func NewParallel() Generator {
	return parallelIDGenerator{}
}

// UseParallel switches the package-level generator to xid-based IDs. It
// panics if an ID has already been handed out, since mixing the two schemes
// in one run would make the IDs ambiguous.
func UseParallel() {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultInUse {
		panic("cannot change id generator type after using it")
	}

	defaultGenerator = NewParallel()
}

// Generate returns an ID from the package-level generator.
func Generate() string {
	defaultLock.Lock()
	if defaultGenerator == nil {
		defaultGenerator = NewSequential()
	}
	defaultInUse = true
	g := defaultGenerator
	defaultLock.Unlock()

	return g.Generate()
}

type sequentialIDGenerator struct {
	nextID uint64
}

func (g *sequentialIDGenerator) Generate() string {
	idNumber := atomic.AddUint64(&g.nextID, 1)
	return strconv.FormatUint(idNumber, 10)
}

type parallelIDGenerator struct{}

func (g parallelIDGenerator) Generate() string {
	return xid.New().String()
}

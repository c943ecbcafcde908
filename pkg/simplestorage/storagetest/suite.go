// Package storagetest holds a backend-agnostic conformance suite for
// simplestorage.Service implementations.
package storagetest

import (
	"context"
	"testing"

	"github.com/tendant/simple-storage/pkg/simplestorage"
)

// Suite checks the Service contract, not implementation details, so every
// backend can run the same assertions.
//
// Usage:
//
//	func TestBackend(t *testing.T) {
//	    suite := &storagetest.Suite{
//	        NewService: func(t *testing.T) simplestorage.Service {
//	            return memory.New(memory.Config{})
//	        },
//	    }
//	    suite.Run(t)
//	}
type Suite struct {
	// NewService returns a fresh, empty service for each test. The suite
	// calls Init itself.
	NewService func(t *testing.T) simplestorage.Service

	// NativeDirectories marks backends with real directories, where deleting a
	// non-empty directory is a conflict rather than a no-op.
	NativeDirectories bool

	// LexicalOrder marks backends that list entries in lexical order.
	LexicalOrder bool
}

// Run executes all tests in the suite.
func (s *Suite) Run(t *testing.T) {
	t.Run("Lifecycle", s.RunLifecycleTests)
	t.Run("ReadWrite", s.RunReadWriteTests)
	t.Run("ContentType", s.RunContentTypeTests)
	t.Run("Directories", s.RunDirectoryTests)
	t.Run("Listing", s.RunListingTests)
	t.Run("Paths", s.RunPathTests)
	t.Run("Cancellation", s.RunCancellationTests)
}

func (s *Suite) service(t *testing.T) simplestorage.Service {
	t.Helper()
	svc := s.NewService(t)
	if err := svc.Init(testContext()); err != nil {
		t.Fatalf("init %s: %v", svc.Name(), err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// testContext returns a standard test context.
func testContext() context.Context {
	return context.Background()
}

// Package testutil provides test utilities and mocks for the upload pipeline.
// This package is internal and should only be used for testing within the module.
package testutil

import (
	"context"
	"sync"

	"github.com/skydrive/uploadq/transport"
	"github.com/skydrive/uploadq/uploadtypes"
)

// MockTransport is a mock implementation of the Transport contract.
// Behavior is customized through the TransferFunc field; the default reports
// full progress in one tick and succeeds.
type MockTransport struct {
	mu           sync.Mutex
	TransferFunc func(context.Context, *uploadtypes.TransferRequest) (*uploadtypes.TransferResult, error)
	calls        []*uploadtypes.TransferRequest
}

// Transfer records the request and delegates to TransferFunc.
func (m *MockTransport) Transfer(
	ctx context.Context,
	req *uploadtypes.TransferRequest,
) (*uploadtypes.TransferResult, error) {
	m.mu.Lock()
	// Snapshot the request: callers may reuse and mutate it between calls.
	snapshot := *req
	m.calls = append(m.calls, &snapshot)
	m.mu.Unlock()

	if m.TransferFunc != nil {
		return m.TransferFunc(ctx, req)
	}

	remaining := req.Size - req.ResumeOffset
	if req.OnProgress != nil && remaining > 0 {
		req.OnProgress(remaining)
	}
	return &uploadtypes.TransferResult{
		Key:       req.DestinationPath + "/" + req.Name,
		BytesSent: remaining,
	}, nil
}

// Calls returns a copy of every recorded transfer request, in order.
func (m *MockTransport) Calls() []*uploadtypes.TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*uploadtypes.TransferRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// LastCall returns the most recent transfer request, or nil when none.
func (m *MockTransport) LastCall() *uploadtypes.TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// MockLister is a mock destination-listing service backed by a set of names.
type MockLister struct {
	mu         sync.Mutex
	ExistsFunc func(context.Context, string, string) (bool, error)
	entries    map[string]bool
}

// NewMockLister creates a lister pre-populated with the given destination
// entries, keyed "destinationPath/name".
func NewMockLister(entries ...string) *MockLister {
	m := &MockLister{entries: make(map[string]bool)}
	for _, e := range entries {
		m.entries[e] = true
	}
	return m
}

// Add marks an entry as existing.
func (m *MockLister) Add(destinationPath, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[destinationPath+"/"+name] = true
}

// Exists delegates to ExistsFunc or answers from the entry set.
func (m *MockLister) Exists(ctx context.Context, destinationPath, name string) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, destinationPath, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[destinationPath+"/"+name], nil
}

// MockURLSource is a mock presigned URL producer.
type MockURLSource struct {
	PresignFunc func(context.Context, string, string, string) (*transport.PresignedRequest, error)
	URL         string
}

// Presign delegates to PresignFunc or returns the fixed URL.
func (m *MockURLSource) Presign(
	ctx context.Context,
	destinationPath, name, contentType string,
) (*transport.PresignedRequest, error) {
	if m.PresignFunc != nil {
		return m.PresignFunc(ctx, destinationPath, name, contentType)
	}
	return &transport.PresignedRequest{URL: m.URL}, nil
}

// Ensure the mocks satisfy their contracts
var (
	_ uploadtypes.Transport = (*MockTransport)(nil)
	_ uploadtypes.Lister    = (*MockLister)(nil)
	_ transport.URLSource   = (*MockURLSource)(nil)
)

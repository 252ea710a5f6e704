// Package registry defines the Registry Client port (§6.1, consumed): the
// abstraction the download manager uses to resolve a repository and
// quantization label to an ordered file list, a commit identifier, and
// search results. A concrete HTTP-backed implementation is out of scope
// (it is the "small local HTTP client for the registry" the top-level spec
// excludes); only the port and an in-memory fake for tests live here.
package registry

import (
	"context"

	"github.com/cuemby/modelctl/pkg/ctlerr"
	"github.com/cuemby/modelctl/pkg/types"
)

// SearchOptions parameterizes Search.
type SearchOptions struct {
	Query string
	Page  int
}

// SearchResult is one page of repository search results.
type SearchResult struct {
	Items   []string
	HasMore bool
	Page    int
}

// Client is the registry port the download manager depends on.
type Client interface {
	ListQuantizations(ctx context.Context, repoID string) ([]types.QuantizationInfo, error)
	GetQuantizationFiles(ctx context.Context, repoID, quantization string) ([]types.RegistryFile, error)
	GetCommitSHA(ctx context.Context, repoID string) (string, error)
	Search(ctx context.Context, opts SearchOptions) (SearchResult, error)
}

// FakeClient is an in-memory Client for tests: a fixed catalog of
// quantizations and files keyed by repo id, with no network access.
type FakeClient struct {
	Quantizations map[string][]types.QuantizationInfo
	Files         map[string]map[string][]types.RegistryFile // repoID -> quant -> files
	CommitSHAs    map[string]string
}

// NewFakeClient constructs an empty FakeClient ready for Quantizations/Files
// to be populated by the caller.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Quantizations: map[string][]types.QuantizationInfo{},
		Files:         map[string]map[string][]types.RegistryFile{},
		CommitSHAs:    map[string]string{},
	}
}

func (f *FakeClient) ListQuantizations(_ context.Context, repoID string) ([]types.QuantizationInfo, error) {
	q, ok := f.Quantizations[repoID]
	if !ok {
		return nil, ctlerr.NotFoundf("repository %q not found", repoID)
	}
	return q, nil
}

func (f *FakeClient) GetQuantizationFiles(_ context.Context, repoID, quantization string) ([]types.RegistryFile, error) {
	byQuant, ok := f.Files[repoID]
	if !ok {
		return nil, ctlerr.NotFoundf("repository %q not found", repoID)
	}
	files, ok := byQuant[quantization]
	if !ok {
		return nil, ctlerr.NotFoundf("quantization %q not found for %q", quantization, repoID)
	}
	return files, nil
}

func (f *FakeClient) GetCommitSHA(_ context.Context, repoID string) (string, error) {
	sha, ok := f.CommitSHAs[repoID]
	if !ok {
		return "", ctlerr.NotFoundf("repository %q not found", repoID)
	}
	return sha, nil
}

func (f *FakeClient) Search(_ context.Context, opts SearchOptions) (SearchResult, error) {
	var items []string
	for repoID := range f.Quantizations {
		items = append(items, repoID)
	}
	return SearchResult{Items: items, HasMore: false, Page: opts.Page}, nil
}

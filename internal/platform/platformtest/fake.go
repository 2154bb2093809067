// Package platformtest provides an in-memory platform.Adapter for tests.
package platformtest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/platform"
)

// Call records one mutating call made against the fake.
type Call struct {
	Method  string
	Project string
	Target  string
	Body    string
}

// Fake is a concurrency-safe in-memory Adapter. Populate the exported maps
// before use; the *Err fields inject failures.
type Fake struct {
	mu sync.Mutex

	Names      map[string]string
	Branches   map[string][]model.BranchRef
	Protected  map[string][]string
	Items      map[string][]model.ActivityItem
	Identities map[string]model.Identity

	// ListErr fails every read for the given project id.
	ListErr map[string]error
	// IdentityErr fails ResolveIdentity for the given key.
	IdentityErr map[string]error
	ExportErr   error
	CloseErr    error
	DeleteErr   error
	CommentErr  error

	// ExportBytes is written to the destination on export. Empty writes an
	// empty file.
	ExportBytes []byte

	calls       []Call
	lookups     map[string]int
	deletedRefs map[string]bool
}

var _ platform.Adapter = (*Fake)(nil)

// New returns an empty Fake that exports a small non-empty archive.
func New() *Fake {
	return &Fake{
		Names:       map[string]string{},
		Branches:    map[string][]model.BranchRef{},
		Protected:   map[string][]string{},
		Items:       map[string][]model.ActivityItem{},
		Identities:  map[string]model.Identity{},
		ListErr:     map[string]error{},
		IdentityErr: map[string]error{},
		ExportBytes: []byte("archive"),
		lookups:     map[string]int{},
		deletedRefs: map[string]bool{},
	}
}

func (f *Fake) ProjectName(_ context.Context, p model.Project) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ListErr[p.ID]; err != nil {
		return "", err
	}
	if n := f.Names[p.ID]; n != "" {
		return n, nil
	}
	return p.ID, nil
}

func (f *Fake) ListBranches(_ context.Context, p model.Project) ([]model.BranchRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ListErr[p.ID]; err != nil {
		return nil, err
	}
	out := make([]model.BranchRef, 0, len(f.Branches[p.ID]))
	for _, b := range f.Branches[p.ID] {
		if f.deletedRefs[p.ID+"\x00"+b.Name] {
			continue
		}
		b.Project = p
		out = append(out, b)
	}
	return out, nil
}

func (f *Fake) ListProtectedBranches(_ context.Context, p model.Project) (platform.BranchSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ListErr[p.ID]; err != nil {
		return nil, err
	}
	set := platform.BranchSet{}
	for _, n := range f.Protected[p.ID] {
		set[n] = struct{}{}
	}
	return set, nil
}

func (f *Fake) ListOpenItems(_ context.Context, p model.Project) ([]model.ActivityItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ListErr[p.ID]; err != nil {
		return nil, err
	}
	out := make([]model.ActivityItem, 0, len(f.Items[p.ID]))
	for _, it := range f.Items[p.ID] {
		it.Project = p
		out = append(out, it)
	}
	return out, nil
}

func (f *Fake) ResolveIdentity(_ context.Context, key string) (model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups[key]++
	if err := f.IdentityErr[key]; err != nil {
		return model.Identity{}, err
	}
	id, ok := f.Identities[key]
	if !ok {
		return model.Identity{Email: key, Status: model.StatusInactive}, nil
	}
	return id, nil
}

func (f *Fake) ExportBranch(_ context.Context, p model.Project, branch, dest string) (string, error) {
	f.record(Call{Method: "ExportBranch", Project: p.ID, Target: branch, Body: dest})
	if f.ExportErr != nil {
		return "", f.ExportErr
	}
	if err := os.WriteFile(dest, f.ExportBytes, 0o600); err != nil {
		return "", err
	}
	return dest, nil
}

func (f *Fake) CloseItem(_ context.Context, p model.Project, item model.ActivityItem, note string) error {
	f.record(Call{Method: "CloseItem", Project: p.ID, Target: fmt.Sprint(item.ID), Body: note})
	return f.CloseErr
}

func (f *Fake) DeleteBranch(_ context.Context, p model.Project, branch string) error {
	f.record(Call{Method: "DeleteBranch", Project: p.ID, Target: branch})
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.mu.Lock()
	f.deletedRefs[p.ID+"\x00"+branch] = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) PostComment(_ context.Context, p model.Project, item model.ActivityItem, body string) error {
	f.record(Call{Method: "PostComment", Project: p.ID, Target: fmt.Sprint(item.ID), Body: body})
	return f.CommentErr
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

// Calls returns the recorded calls, optionally filtered by method.
func (f *Fake) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Mutations returns the recorded calls that change platform state,
// ordered by method name.
func (f *Fake) Mutations() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		switch c.Method {
		case "CloseItem", "DeleteBranch", "PostComment":
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// Lookups returns how many times key was resolved.
func (f *Fake) Lookups(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups[key]
}

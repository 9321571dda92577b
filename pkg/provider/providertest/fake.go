// Package providertest provides a scriptable provider for tests.
package providertest

import (
	"context"
	"sync"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/provider"
)

// Call records one provider invocation.
type Call struct {
	Method     string
	Identity   provider.Identity
	ProfileURL string
	Note       string
	Text       string
}

// Fake is an in-memory Provider. Hooks left nil return a successful result.
type Fake struct {
	KindValue core.ProviderKind

	OnDiscover func(ctx context.Context, postURL string, limit int) ([]provider.Engager, error)
	OnSearch   func(ctx context.Context, searchURL string, limit int) ([]provider.Engager, error)
	OnConnect  func(ctx context.Context, n int, profileURL, note string) (provider.ConnectResult, error)
	OnMessage  func(ctx context.Context, n int, profileURL, text string) (provider.MessageResult, error)

	mu    sync.Mutex
	calls []Call
}

var _ provider.Provider = (*Fake)(nil)

// New returns a Fake reporting kind.
func New(kind core.ProviderKind) *Fake {
	return &Fake{KindValue: kind}
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many calls were made to method.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (f *Fake) record(c Call) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	n := 0
	for _, prev := range f.calls {
		if prev.Method == c.Method {
			n++
		}
	}
	return n
}

func (f *Fake) Kind() core.ProviderKind {
	if f.KindValue == "" {
		return core.ProviderRemote
	}
	return f.KindValue
}

func (f *Fake) StartLinkedInAuth(_ context.Context, id provider.Identity) (*provider.AuthStart, error) {
	f.record(Call{Method: "StartLinkedInAuth", Identity: id})
	return &provider.AuthStart{AuthSessionID: "auth-1", LiveViewURL: "https://live.example/view", SessionHandle: "session-1"}, nil
}

func (f *Fake) CompleteLinkedInAuth(_ context.Context, id provider.Identity, authSessionID string) (*provider.AuthComplete, error) {
	f.record(Call{Method: "CompleteLinkedInAuth", Identity: id, Text: authSessionID})
	return &provider.AuthComplete{ProfileID: "profile-1"}, nil
}

func (f *Fake) DiscoverPostEngagers(ctx context.Context, id provider.Identity, postURL string, limit int) ([]provider.Engager, error) {
	f.record(Call{Method: "DiscoverPostEngagers", Identity: id, ProfileURL: postURL})
	if f.OnDiscover != nil {
		return f.OnDiscover(ctx, postURL, limit)
	}
	return nil, nil
}

func (f *Fake) SearchPeople(ctx context.Context, id provider.Identity, searchURL string, limit int) ([]provider.Engager, error) {
	f.record(Call{Method: "SearchPeople", Identity: id, ProfileURL: searchURL})
	if f.OnSearch != nil {
		return f.OnSearch(ctx, searchURL, limit)
	}
	return nil, nil
}

func (f *Fake) SendConnectionRequest(ctx context.Context, id provider.Identity, profileURL, note string) (provider.ConnectResult, error) {
	n := f.record(Call{Method: "SendConnectionRequest", Identity: id, ProfileURL: profileURL, Note: note})
	if f.OnConnect != nil {
		return f.OnConnect(ctx, n, profileURL, note)
	}
	return provider.ConnectResult{Status: provider.ConnectSent, Verified: true}, nil
}

func (f *Fake) SendMessage(ctx context.Context, id provider.Identity, profileURL, text string) (provider.MessageResult, error) {
	n := f.record(Call{Method: "SendMessage", Identity: id, ProfileURL: profileURL, Text: text})
	if f.OnMessage != nil {
		return f.OnMessage(ctx, n, profileURL, text)
	}
	return provider.MessageResult{Status: provider.MessageSent, Verified: true}, nil
}

package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentcore/agentcore/internal/breaker"
)

// fakeProvider is a minimal LLMProvider stub recording every model it was
// asked to serve.
type fakeProvider struct {
	name     string
	calls    []string
	fail     bool
	failWith error
}

func (f *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	f.calls = append(f.calls, req.Model)
	if f.fail {
		err := f.failWith
		if err == nil {
			err = errors.New("provider unavailable")
		}
		return nil, err
	}
	ch := make(chan *CompletionChunk, 1)
	ch <- &CompletionChunk{Text: "ok from " + f.name, Done: true}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Name() string          { return f.name }
func (f *fakeProvider) Models() []Model       { return nil }
func (f *fakeProvider) SupportsTools() bool   { return true }

type fakeInternet struct{ offline bool }

func (f fakeInternet) Offline() bool { return f.offline }

func testPolicy() breaker.Policy {
	return breaker.Policy{
		Threshold:           1,
		RecoveryTimeout:      20 * time.Millisecond,
		HalfOpenMaxTests:     1,
		MaxRecoveryAttempts:  3,
		MaxBackoff:           time.Second,
	}
}

// Scenario 5 (spec.md §8): the requested remote model's breaker is already
// open; the client must fall through to the local fallback without ever
// calling the remote backend again.
func TestCompleteFallsBackWhenCircuitOpen(t *testing.T) {
	remote := &fakeProvider{name: "remote"}
	local := &fakeProvider{name: "ollama"}

	reg := breaker.NewRegistry(breaker.RegistryConfig{DefaultPolicy: testPolicy()})
	reg.RecordFailure("remote:gpt-x", 1, errors.New("boom")) // opens after 1 failure

	client := NewModelClient(local, []LLMProvider{remote}, reg, fakeInternet{}, ModelClientConfig{
		FallbackModel: "ollama:llama",
	})

	chunk, used, err := client.Complete(context.Background(), "remote:gpt-x", &CompletionRequest{
		Messages: []CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != "ollama:llama" {
		t.Fatalf("expected fallback candidate ollama:llama, got %s", used)
	}
	if chunk == nil || chunk.Text == "" {
		t.Fatalf("expected a populated response chunk, got %+v", chunk)
	}
	if len(remote.calls) != 0 {
		t.Fatalf("expected zero calls to the remote backend, got %d", len(remote.calls))
	}
	if len(local.calls) != 1 || local.calls[0] != "llama" {
		t.Fatalf("expected exactly one local call for model 'llama', got %v", local.calls)
	}
}

// Scenario 6 (spec.md §8): operating offline rewrites the requested remote
// candidate to the fallback before any candidate is tried, so the remote
// breaker is never consulted.
func TestCompleteRewritesToFallbackWhenOffline(t *testing.T) {
	remote := &fakeProvider{name: "remote"}
	local := &fakeProvider{name: "ollama"}

	reg := breaker.NewRegistry(breaker.RegistryConfig{DefaultPolicy: testPolicy()})

	client := NewModelClient(local, []LLMProvider{remote}, reg, fakeInternet{offline: true}, ModelClientConfig{
		FallbackModel: "ollama:llama",
	})

	_, used, err := client.Complete(context.Background(), "remote:gpt-x", &CompletionRequest{
		Messages: []CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != "ollama:llama" {
		t.Fatalf("expected rewritten candidate ollama:llama, got %s", used)
	}
	if len(remote.calls) != 0 {
		t.Fatalf("expected the remote backend to never be dialed while offline, got %d calls", len(remote.calls))
	}
	if !reg.IsAllowed("remote:gpt-x") {
		t.Fatal("offline rewrite must bypass the remote breaker entirely, not trip it")
	}
}

func TestCompleteReturnsErrAllCandidatesFailed(t *testing.T) {
	remote := &fakeProvider{name: "remote", fail: true}
	local := &fakeProvider{name: "ollama", fail: true}
	reg := breaker.NewRegistry(breaker.RegistryConfig{DefaultPolicy: testPolicy()})

	client := NewModelClient(local, []LLMProvider{remote}, reg, fakeInternet{}, ModelClientConfig{
		FallbackModel: "ollama:llama",
	})

	_, _, err := client.Complete(context.Background(), "remote:gpt-x", &CompletionRequest{
		Messages: []CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, ErrAllCandidatesFailed) {
		t.Fatalf("expected ErrAllCandidatesFailed, got %v", err)
	}
}

func TestCandidatesDropsDuplicateFallback(t *testing.T) {
	reg := breaker.NewRegistry(breaker.RegistryConfig{DefaultPolicy: testPolicy()})
	client := NewModelClient(nil, nil, reg, fakeInternet{}, ModelClientConfig{
		FallbackModel: "ollama:llama",
	})
	got := client.candidates("ollama:llama")
	if len(got) != 1 {
		t.Fatalf("expected requested==fallback to collapse to one candidate, got %v", got)
	}
}

func TestStripLocalPrefix(t *testing.T) {
	cases := map[string]string{
		"ollama:llama3": "llama3",
		"local:foo":     "foo",
		"remote:gpt-x":  "remote:gpt-x",
	}
	for in, want := range cases {
		if got := stripLocalPrefix(in); got != want {
			t.Fatalf("stripLocalPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

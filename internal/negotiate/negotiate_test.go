package negotiate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/protobridge/internal/capability"
	"github.com/gaspardpetit/protobridge/internal/events"
	"github.com/gaspardpetit/protobridge/internal/metrics"
	"github.com/gaspardpetit/protobridge/internal/protocol"
)

type fakeReporter struct {
	mu           sync.Mutex
	negotiations int
	errors       map[metrics.ErrorKind]int
}

func (f *fakeReporter) ObserveNegotiation(time.Duration) {
	f.mu.Lock()
	f.negotiations++
	f.mu.Unlock()
}

func (f *fakeReporter) IncError(k metrics.ErrorKind) {
	f.mu.Lock()
	if f.errors == nil {
		f.errors = map[metrics.ErrorKind]int{}
	}
	f.errors[k]++
	f.mu.Unlock()
}

type capture struct {
	mu  sync.Mutex
	got []events.Payload
}

func (c *capture) Publish(p events.Payload) {
	c.mu.Lock()
	c.got = append(c.got, p)
	c.mu.Unlock()
}

var supported = []string{"1.0.0", "2.0.0", "2.1.0", "2.3.0"}

func newNegotiator(t *testing.T, timeout time.Duration) (*Negotiator, *fakeReporter, *capture) {
	t.Helper()
	rep := &fakeReporter{}
	pub := &capture{}
	n, err := New(Config{Supported: supported, Default: "1.0.0", Timeout: timeout}, rep, pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n, rep, pub
}

func detect(h *protocol.Handshake) capability.Record {
	d := capability.NewDetector(protocol.NewClassifier(protocol.DefaultEnhancedTypes, protocol.DefaultLegacyTypes), "2.0.0")
	rec, _ := d.Detect(h)
	return rec
}

func TestSelect(t *testing.T) {
	n, _, _ := newNegotiator(t, time.Second)
	tests := []struct {
		name string
		h    protocol.Handshake
		want string
	}{
		{"declared supported", protocol.Handshake{Version: "2.1.0"}, "2.1.0"},
		{"declared between", protocol.Handshake{Version: "2.2.5"}, "2.1.0"},
		{"declared above all", protocol.Handshake{Version: "9.0.0"}, "2.3.0"},
		{"declared short form", protocol.Handshake{Version: "2.1"}, "2.1.0"},
		{"legacy declares supported version", protocol.Handshake{Version: "1.0.0"}, "1.0.0"},
		{"legacy declares unknown version", protocol.Handshake{Version: "1.9.0"}, "1.0.0"},
		{"enhanced by types, no version", protocol.Handshake{MessageTypes: []string{"structured_edit"}}, "2.3.0"},
		{"enhanced marker, old version", protocol.Handshake{Protocol: "enhanced", Version: "0.9.0"}, "1.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.h
			if got := n.Select(detect(&h)); got != tt.want {
				t.Fatalf("Select = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestDeclaredSupportedVersionIsKept(t *testing.T) {
	n, _, _ := newNegotiator(t, time.Second)
	for _, v := range supported[1:] {
		rec := detect(&protocol.Handshake{Version: v})
		res, err := n.Negotiate(context.Background(), "s", rec, nil)
		if err != nil || res.Version != v {
			t.Fatalf("Negotiate(%s) = %+v, %v", v, res, err)
		}
	}
}

func TestNonEnhancedGetsDefault(t *testing.T) {
	n, _, _ := newNegotiator(t, time.Second)
	rec := capability.Conservative(time.Now())
	rec.DeclaredVersion = "2.1.0"
	called := false
	res, err := n.Negotiate(context.Background(), "s", rec, func(context.Context, string) error {
		called = true
		return nil
	})
	if err != nil || res.Version != "1.0.0" || res.Fallback {
		t.Fatalf("res = %+v, %v", res, err)
	}
	if called {
		t.Fatalf("legacy sessions must not be asked to confirm")
	}
}

func TestNegotiatedEventCarriesVersion(t *testing.T) {
	n, rep, pub := newNegotiator(t, time.Second)
	rec := detect(&protocol.Handshake{Version: "2.1.0"})
	res, err := n.Negotiate(context.Background(), "s1", rec, func(ctx context.Context, v string) error {
		if v != "2.1.0" {
			return errors.New("unexpected offer")
		}
		return nil
	})
	if err != nil || res.Version != "2.1.0" {
		t.Fatalf("res = %+v, %v", res, err)
	}
	if len(pub.got) != 1 {
		t.Fatalf("events = %d", len(pub.got))
	}
	ev, ok := pub.got[0].(events.Negotiated)
	if !ok || ev.Version != "2.1.0" || ev.SessionID != "s1" || !ev.SupportsEnhanced {
		t.Fatalf("event = %#v", pub.got[0])
	}
	if rep.negotiations != 1 || rep.errors[metrics.ErrorNegotiation] != 0 {
		t.Fatalf("reporter = %+v", rep)
	}
}

func TestTimeoutFallsBackOnce(t *testing.T) {
	n, rep, pub := newNegotiator(t, 20*time.Millisecond)
	rec := detect(&protocol.Handshake{Version: "2.1.0"})
	res, err := n.Negotiate(context.Background(), "slow", rec, func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("timeout must not be fatal: %v", err)
	}
	if res.Version != "1.0.0" || !res.Fallback || !errors.Is(res.Reason, ErrTimeout) {
		t.Fatalf("res = %+v", res)
	}
	if got := rep.errors[metrics.ErrorNegotiation]; got != 1 {
		t.Fatalf("negotiation errors = %d; want 1", got)
	}
	if ev := pub.got[0].(events.Negotiated); !ev.Fallback || ev.Version != "1.0.0" || ev.SupportsEnhanced {
		t.Fatalf("event = %+v", ev)
	}
}

func TestTimeoutWithUnresponsiveConfirm(t *testing.T) {
	n, rep, _ := newNegotiator(t, 20*time.Millisecond)
	rec := detect(&protocol.Handshake{Version: "2.3.0"})
	block := make(chan struct{})
	defer close(block)
	res, err := n.Negotiate(context.Background(), "stuck", rec, func(context.Context, string) error {
		<-block
		return nil
	})
	if err != nil || res.Version != "1.0.0" || !errors.Is(res.Reason, ErrTimeout) {
		t.Fatalf("res = %+v, %v", res, err)
	}
	if rep.errors[metrics.ErrorNegotiation] != 1 {
		t.Fatalf("errors = %v", rep.errors)
	}
}

func TestRejectedFallsBack(t *testing.T) {
	n, rep, _ := newNegotiator(t, time.Second)
	rec := detect(&protocol.Handshake{Version: "2.1.0"})
	res, err := n.Negotiate(context.Background(), "s", rec, func(context.Context, string) error {
		return errors.New("client refused")
	})
	if err != nil || res.Version != "1.0.0" || !errors.Is(res.Reason, ErrRejected) {
		t.Fatalf("res = %+v, %v", res, err)
	}
	if rep.errors[metrics.ErrorNegotiation] != 1 {
		t.Fatalf("errors = %v", rep.errors)
	}
}

func TestParentCancelAborts(t *testing.T) {
	n, rep, pub := newNegotiator(t, time.Second)
	rec := detect(&protocol.Handshake{Version: "2.1.0"})
	ctx, cancel := context.WithCancel(context.Background())
	res, err := n.Negotiate(ctx, "gone", rec, func(c context.Context, _ string) error {
		cancel()
		<-c.Done()
		return c.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, res = %+v", err, res)
	}
	if rep.errors[metrics.ErrorNegotiation] != 0 || len(pub.got) != 0 {
		t.Fatalf("aborted negotiation must not be counted or published")
	}
}

func TestNewRejectsInvalidVersions(t *testing.T) {
	if _, err := New(Config{Supported: []string{"1.0.0"}, Default: "nope"}, nil, nil); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("err = %v", err)
	}
	if _, err := New(Config{Supported: []string{"x"}, Default: "1.0.0"}, nil, nil); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("err = %v", err)
	}
}

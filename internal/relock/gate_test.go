package relock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type fakeBio struct {
	hw       bool
	enrolled bool
	probeErr error

	mu      sync.Mutex
	results []ChallengeResult
	err     error
	block   chan struct{}
	calls   chan string
}

func newFakeBio() *fakeBio {
	return &fakeBio{hw: true, enrolled: true, calls: make(chan string, 16)}
}

func (f *fakeBio) HasHardware(context.Context) (bool, error) { return f.hw, f.probeErr }
func (f *fakeBio) IsEnrolled(context.Context) (bool, error)  { return f.enrolled, nil }

func (f *fakeBio) Challenge(_ context.Context, prompt string) (ChallengeResult, error) {
	f.calls <- prompt
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ChallengeResult{}, f.err
	}
	if len(f.results) == 0 {
		return ChallengeResult{Success: true}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

func (f *fakeBio) push(r ChallengeResult) {
	f.mu.Lock()
	f.results = append(f.results, r)
	f.mu.Unlock()
}

func expectChallenge(t *testing.T, f *fakeBio) {
	t.Helper()
	select {
	case <-f.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a challenge")
	}
}

func expectNoChallenge(t *testing.T, f *fakeBio) {
	t.Helper()
	select {
	case <-f.calls:
		t.Fatal("unexpected challenge")
	case <-time.After(50 * time.Millisecond):
	}
}

func waitStatus(t *testing.T, g *Gate, ok func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := g.Status(); ok(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := g.Status()
	t.Fatalf("status never reached, last %+v", st)
	return st
}

func newTestGate(bio Biometric) (*Gate, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	g := NewGate(bio, Options{
		MinBackground: 3 * time.Second,
		RelockDelay:   500 * time.Millisecond,
		InitialDelay:  800 * time.Millisecond,
		Clock:         clock,
	})
	return g, clock
}

// unlocked returns a mounted gate that has passed its first challenge.
func unlocked(t *testing.T) (*Gate, *clockwork.FakeClock, *fakeBio) {
	t.Helper()
	bio := newFakeBio()
	g, clock := newTestGate(bio)
	t.Cleanup(g.Close)
	g.Mount(context.Background())
	if st := g.Authenticate(context.Background()); !st.Authenticated {
		t.Fatalf("initial challenge failed: %+v", st)
	}
	expectChallenge(t, bio)
	return g, clock, bio
}

func TestIncapableDeviceIsAlwaysAuthenticated(t *testing.T) {
	for name, bio := range map[string]*fakeBio{
		"no hardware":  {hw: false, enrolled: true, calls: make(chan string, 1)},
		"not enrolled": {hw: true, enrolled: false, calls: make(chan string, 1)},
		"probe error":  {hw: true, enrolled: true, probeErr: errors.New("boom"), calls: make(chan string, 1)},
	} {
		g, clock := newTestGate(bio)
		st := g.Mount(context.Background())
		if !st.Authenticated || st.Supported {
			t.Errorf("%s: got %+v", name, st)
		}
		g.Transition(Background)
		clock.Advance(time.Minute)
		g.Transition(Active)
		g.Authenticate(context.Background())
		if !g.Status().Authenticated {
			t.Errorf("%s: incapable gate locked", name)
		}
		expectNoChallenge(t, bio)
		g.Close()
	}
}

func TestInitialChallengeAfterDelay(t *testing.T) {
	bio := newFakeBio()
	g, clock := newTestGate(bio)
	defer g.Close()

	st := g.Mount(context.Background())
	if st.Authenticated || !st.Supported {
		t.Fatalf("capable gate should start locked: %+v", st)
	}
	clock.Advance(799 * time.Millisecond)
	expectNoChallenge(t, bio)

	clock.Advance(time.Millisecond)
	expectChallenge(t, bio)
	waitStatus(t, g, func(s Status) bool { return s.Authenticated })
}

func TestChallengeOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		result ChallengeResult
		err    error
		auth   bool
		msg    string
	}{
		{"success", ChallengeResult{Success: true}, nil, true, ""},
		{"fallback", ChallengeResult{Code: CodeUserFallback}, nil, true, ""},
		{"cancel", ChallengeResult{Code: CodeUserCancel}, nil, false, MsgCancelled},
		{"lockout", ChallengeResult{Code: CodeLockout}, nil, false, MsgLockout},
		{"other", ChallengeResult{Code: CodeOther}, nil, false, MsgFailed},
		{"capability error", ChallengeResult{}, errors.New("sensor gone"), false, MsgFailed},
	}
	for _, tt := range tests {
		bio := newFakeBio()
		bio.push(tt.result)
		bio.err = tt.err
		g, _ := newTestGate(bio)
		g.Mount(context.Background())

		st := g.Authenticate(context.Background())
		if st.Authenticated != tt.auth || st.Error != tt.msg || st.Authenticating {
			t.Errorf("%s: got %+v", tt.name, st)
		}
		g.Close()
	}
}

func TestFailureIsRetryable(t *testing.T) {
	bio := newFakeBio()
	bio.push(ChallengeResult{Code: CodeLockout})
	g, _ := newTestGate(bio)
	defer g.Close()
	g.Mount(context.Background())

	if st := g.Authenticate(context.Background()); st.Error != MsgLockout || st.Authenticated {
		t.Fatalf("got %+v", st)
	}
	if st := g.Authenticate(context.Background()); !st.Authenticated || st.Error != "" {
		t.Fatalf("retry should succeed and clear error: %+v", st)
	}
}

func TestShortBackgroundIsSuppressed(t *testing.T) {
	for _, elapsed := range []time.Duration{0, time.Millisecond, time.Second, 2999 * time.Millisecond} {
		g, clock, bio := unlocked(t)
		g.Transition(Background)
		clock.Advance(elapsed)
		g.Transition(Active)
		if !g.Status().Authenticated {
			t.Errorf("elapsed %v: gate locked", elapsed)
		}
		clock.Advance(time.Second)
		expectNoChallenge(t, bio)
	}
}

func TestLongBackgroundRelocks(t *testing.T) {
	g, clock, bio := unlocked(t)

	g.Transition(Background)
	clock.Advance(4 * time.Second)
	g.Transition(Active)
	if g.Status().Authenticated {
		t.Fatal("expected gate to lock after 4s in background")
	}

	clock.Advance(499 * time.Millisecond)
	expectNoChallenge(t, bio)
	clock.Advance(time.Millisecond)
	expectChallenge(t, bio)
	waitStatus(t, g, func(s Status) bool { return s.Authenticated })

	// The decision clears the background flag: a later overlay does nothing.
	g.Transition(Inactive)
	g.Transition(Active)
	clock.Advance(time.Second)
	expectNoChallenge(t, bio)
}

func TestRelockThroughInactive(t *testing.T) {
	g, clock, _ := unlocked(t)
	g.Transition(Background)
	clock.Advance(5 * time.Second)
	g.Transition(Inactive)
	g.Transition(Active)
	if g.Status().Authenticated {
		t.Fatal("background passage via inactive should still re-lock")
	}
}

func TestOverlayNeverLocks(t *testing.T) {
	g, clock, bio := unlocked(t)
	g.Transition(Inactive)
	clock.Advance(time.Minute)
	g.Transition(Active)
	if !g.Status().Authenticated {
		t.Fatal("inactive -> active must not lock")
	}
	clock.Advance(time.Second)
	expectNoChallenge(t, bio)
}

func TestBackgroundCancelsScheduledChallenge(t *testing.T) {
	g, clock, bio := unlocked(t)
	g.Transition(Background)
	clock.Advance(4 * time.Second)
	g.Transition(Active)

	g.Transition(Background)
	clock.Advance(time.Second)
	expectNoChallenge(t, bio)
}

func TestCloseCancelsScheduledChallenge(t *testing.T) {
	bio := newFakeBio()
	g, clock := newTestGate(bio)
	g.Mount(context.Background())
	g.Close()
	clock.Advance(time.Second)
	expectNoChallenge(t, bio)
}

func TestConcurrentAuthenticateRunsOnce(t *testing.T) {
	bio := newFakeBio()
	bio.block = make(chan struct{})
	g, _ := newTestGate(bio)
	defer g.Close()
	g.Mount(context.Background())

	done := make(chan Status)
	go func() { done <- g.Authenticate(context.Background()) }()
	expectChallenge(t, bio)

	if st := g.Authenticate(context.Background()); !st.Authenticating {
		t.Errorf("second call should report the running challenge: %+v", st)
	}
	expectNoChallenge(t, bio)

	close(bio.block)
	if st := <-done; !st.Authenticated {
		t.Errorf("got %+v", st)
	}
}

func TestOnChangeSeesLock(t *testing.T) {
	g, clock, _ := unlocked(t)
	var mu sync.Mutex
	var seen []Status
	g.OnChange(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	g.Transition(Background)
	clock.Advance(10 * time.Second)
	g.Transition(Active)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1].Authenticated {
		t.Errorf("listener did not see the lock: %+v", seen)
	}
}

func TestFlickerWhileLockedReschedulesChallenge(t *testing.T) {
	g, clock, bio := unlocked(t)

	g.Transition(Background)
	clock.Advance(4 * time.Second)
	g.Transition(Active)
	if g.Status().Authenticated {
		t.Fatal("expected gate to lock after 4s in background")
	}

	// Leaving again before the challenge fires cancels it.
	clock.Advance(200 * time.Millisecond)
	g.Transition(Background)
	clock.Advance(time.Second)
	g.Transition(Active)
	if g.Status().Authenticated {
		t.Fatal("a short trip must not unlock the gate")
	}

	clock.Advance(500 * time.Millisecond)
	expectChallenge(t, bio)
	waitStatus(t, g, func(s Status) bool { return s.Authenticated })
}

package relock

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/chzyer/readline"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"
)

func staticReader(inputs ...string) PasswordReader {
	return func(context.Context, string) ([]byte, error) {
		if len(inputs) == 0 {
			return nil, io.EOF
		}
		in := inputs[0]
		inputs = inputs[1:]
		return []byte(in), nil
	}
}

func testHash(t *testing.T, code string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func TestPasscodeChallenge(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	p := NewPasscode(testHash(t, "2468"), 2, time.Minute, clock, staticReader("1111", "2468", "0000", "9999", "2468"))

	if ok, _ := p.HasHardware(ctx); !ok {
		t.Fatal("configured passcode should count as hardware")
	}
	if ok, err := p.IsEnrolled(ctx); !ok || err != nil {
		t.Fatalf("enrolled = %v, %v", ok, err)
	}

	steps := []ChallengeResult{
		{Code: CodeOther},
		{Success: true},
		{Code: CodeOther},
		{Code: CodeLockout},
		{Code: CodeLockout}, // still locked, input not read
	}
	for i, want := range steps {
		got, err := p.Challenge(ctx, "Unlock")
		if err != nil || got != want {
			t.Fatalf("step %d: got %+v, %v want %+v", i, got, err, want)
		}
	}

	clock.Advance(time.Minute)
	if got, _ := p.Challenge(ctx, "Unlock"); !got.Success {
		t.Fatalf("expected success after lockout, got %+v", got)
	}
}

func TestPasscodeCancel(t *testing.T) {
	for _, err := range []error{io.EOF, readline.ErrInterrupt, context.Canceled} {
		p := NewPasscode(testHash(t, "2468"), 3, time.Minute, nil, func(context.Context, string) ([]byte, error) {
			return nil, err
		})
		got, cerr := p.Challenge(context.Background(), "Unlock")
		if cerr != nil || got.Code != CodeUserCancel {
			t.Errorf("%v: got %+v, %v", err, got, cerr)
		}
	}
}

func TestPasscodeNotConfigured(t *testing.T) {
	p := NewPasscode("", 3, time.Minute, nil, nil)
	if ok, _ := p.HasHardware(context.Background()); ok {
		t.Error("empty hash should be incapable")
	}
	g := NewGate(p, Options{})
	defer g.Close()
	if st := g.Mount(context.Background()); !st.Authenticated {
		t.Errorf("gate without passcode should be open: %+v", st)
	}
}

func TestHashPasscode(t *testing.T) {
	if _, err := HashPasscode("12"); err == nil {
		t.Error("expected error for short passcode")
	}
	h, err := HashPasscode("2468")
	if err != nil {
		t.Fatal(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(h), []byte("2468")) != nil {
		t.Error("hash does not match")
	}
}

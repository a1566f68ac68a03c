package relock

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"
)

// PasswordReader reads a masked secret from the user.
type PasswordReader func(ctx context.Context, prompt string) ([]byte, error)

// Passcode is a Biometric backed by a bcrypt passcode hash typed at the terminal.
type Passcode struct {
	hash        []byte
	maxAttempts int
	lockoutFor  time.Duration
	clock       clockwork.Clock
	read        PasswordReader

	mu          sync.Mutex
	failures    int
	lockedUntil time.Time
}

// NewPasscode creates a passcode challenger. read defaults to a readline prompt on the terminal.
func NewPasscode(hash string, maxAttempts int, lockoutFor time.Duration, clock clockwork.Clock, read PasswordReader) *Passcode {
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if read == nil {
		read = TerminalPassword
	}
	return &Passcode{
		hash:        []byte(hash),
		maxAttempts: maxAttempts,
		lockoutFor:  lockoutFor,
		clock:       clock,
		read:        read,
	}
}

// HashPasscode returns the bcrypt hash to store in relock.passcode_hash.
func HashPasscode(passcode string) (string, error) {
	if len(passcode) < 4 {
		return "", errors.New("passcode must be at least 4 characters")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// HasHardware reports whether a passcode is configured at all.
func (p *Passcode) HasHardware(context.Context) (bool, error) {
	return len(p.hash) > 0, nil
}

// IsEnrolled reports whether the configured hash is a usable bcrypt hash.
func (p *Passcode) IsEnrolled(context.Context) (bool, error) {
	if len(p.hash) == 0 {
		return false, nil
	}
	if _, err := bcrypt.Cost(p.hash); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Passcode) Challenge(ctx context.Context, prompt string) (ChallengeResult, error) {
	p.mu.Lock()
	if p.clock.Now().Before(p.lockedUntil) {
		p.mu.Unlock()
		return ChallengeResult{Code: CodeLockout}, nil
	}
	p.mu.Unlock()

	secret, err := p.read(ctx, prompt+": ")
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			return ChallengeResult{Code: CodeUserCancel}, nil
		}
		return ChallengeResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if bcrypt.CompareHashAndPassword(p.hash, secret) == nil {
		p.failures = 0
		return ChallengeResult{Success: true}, nil
	}
	p.failures++
	if p.failures >= p.maxAttempts {
		p.failures = 0
		p.lockedUntil = p.clock.Now().Add(p.lockoutFor)
		return ChallengeResult{Code: CodeLockout}, nil
	}
	return ChallengeResult{Code: CodeOther}, nil
}

// TerminalPassword reads a masked line with readline. Closing ctx aborts the read.
func TerminalPassword(ctx context.Context, prompt string) ([]byte, error) {
	rl, err := readline.NewEx(&readline.Config{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rl.Close()
		case <-done:
		}
	}()
	defer rl.Close()

	line, err := rl.ReadPassword(prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return line, nil
}

package relay

import (
	"math/rand"
	"sync"
	"time"
)

type Rand interface {
	Intn(n int) int
}

type BackoffConfig struct {
	Step1 time.Duration // default: 5 minutes
	Step2 time.Duration // default: 15 minutes
	Step3 time.Duration // default: 30 minutes
	Step4 time.Duration // default: 60 minutes

	// Jitter добавляет случайные [0, Jitter) к задержке, чтобы упавшие
	// разом события не возвращались одной пачкой.
	Jitter time.Duration
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Step1: 5 * time.Minute,
		Step2: 15 * time.Minute,
		Step3: 30 * time.Minute,
		Step4: 60 * time.Minute,
	}
}

type Backoff struct {
	cfg BackoffConfig

	mu sync.Mutex // *rand.Rand не потокобезопасен
	r  Rand
}

func NewBackoff(cfg BackoffConfig, r Rand) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Step1 <= 0 {
		cfg.Step1 = def.Step1
	}
	if cfg.Step2 <= 0 {
		cfg.Step2 = def.Step2
	}
	if cfg.Step3 <= 0 {
		cfg.Step3 = def.Step3
	}
	if cfg.Step4 <= 0 {
		cfg.Step4 = def.Step4
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{cfg: cfg, r: r}
}

// Delay returns the wait before the attempt that follows nextFailCount
// failures.
func (b *Backoff) Delay(nextFailCount int32) time.Duration {
	var d time.Duration
	switch {
	case nextFailCount <= 1:
		d = b.cfg.Step1
	case nextFailCount == 2:
		d = b.cfg.Step2
	case nextFailCount == 3:
		d = b.cfg.Step3
	default:
		d = b.cfg.Step4
	}
	if sec := int(b.cfg.Jitter.Seconds()); sec > 0 {
		b.mu.Lock()
		n := b.r.Intn(sec)
		b.mu.Unlock()
		d += time.Duration(n) * time.Second
	}
	return d
}

func BackoffDelay(nextFailCount int32) time.Duration {
	return NewBackoff(DefaultBackoffConfig(), nil).Delay(nextFailCount)
}

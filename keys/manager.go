package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-llm-gateway/core"
)

var (
	ErrNoKeys          = errors.New("keys: no keys configured for provider")
	ErrAllKeysInvalid  = errors.New("keys: all keys are invalid")
	ErrUnknownProvider = errors.New("keys: unknown provider")
)

const retryInterval = 100 * time.Millisecond

type keyState struct {
	value    string
	invalid  bool
	window   []time.Time
	uses     int
	lastUsed time.Time
}

type pool struct {
	keys   []*keyState
	cursor int
}

// Manager hands out provider credentials round-robin under a per-key sliding
// one second budget. Invalid marks are monotonic for the process lifetime;
// a restart is the only way to rehabilitate a key.
type Manager struct {
	mu        sync.Mutex
	perKeyRPS int
	pools     map[string]*pool

	logger core.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, delay time.Duration) error
}

type Option func(*Manager)

func WithLogger(logger core.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func NewManager(perKeyRPS int, options ...Option) *Manager {
	if perKeyRPS <= 0 {
		perKeyRPS = 1
	}
	manager := &Manager{
		perKeyRPS: perKeyRPS,
		pools:     map[string]*pool{},
		Now:       func() time.Time { return time.Now().UTC() },
		Sleep:     waitWithContext,
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	_, manager.logger = glog.Resolve("keys", nil, manager.logger)
	return manager
}

// SetKeys replaces the pool for a provider, dropping invalid marks and
// window state. Intended for startup wiring, not steady-state rotation.
func (m *Manager) SetKeys(provider string, values []string) {
	provider = normalizeProvider(provider)
	states := make([]*keyState, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		states = append(states, &keyState{value: value})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[provider] = &pool{keys: states}
}

func (m *Manager) AddKey(provider string, value string) error {
	provider = normalizeProvider(provider)
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("keys: key value is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.pools[provider]
	if !ok {
		existing = &pool{}
		m.pools[provider] = existing
	}
	for _, state := range existing.keys {
		if state.value == value {
			return fmt.Errorf("keys: key %s already present for provider %q", Mask(value), provider)
		}
	}
	existing.keys = append(existing.keys, &keyState{value: value})
	return nil
}

func (m *Manager) RemoveKey(provider string, value string) error {
	provider = normalizeProvider(provider)
	value = strings.TrimSpace(value)
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.pools[provider]
	if !ok {
		return ErrUnknownProvider
	}
	for i, state := range existing.keys {
		if state.value == value {
			existing.keys = append(existing.keys[:i], existing.keys[i+1:]...)
			if existing.cursor >= len(existing.keys) {
				existing.cursor = 0
			}
			return nil
		}
	}
	return fmt.Errorf("keys: key %s not found for provider %q", Mask(value), provider)
}

// GetNext blocks until a valid key has budget in its sliding window, or the
// context ends. It fails fast when the pool is empty or fully invalidated.
func (m *Manager) GetNext(ctx context.Context, provider string) (string, error) {
	provider = normalizeProvider(provider)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		value, err := m.tryNext(provider)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, errNoBudget) {
			return "", err
		}
		if err := m.sleep(ctx, retryInterval); err != nil {
			return "", err
		}
	}
}

var errNoBudget = errors.New("keys: no key has budget")

func (m *Manager) tryNext(provider string) (string, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.pools[provider]
	if !ok || len(existing.keys) == 0 {
		return "", ErrNoKeys
	}

	allInvalid := true
	for _, state := range existing.keys {
		if !state.invalid {
			allInvalid = false
			break
		}
	}
	if allInvalid {
		return "", ErrAllKeysInvalid
	}

	total := len(existing.keys)
	for offset := 0; offset < total; offset++ {
		index := (existing.cursor + offset) % total
		state := existing.keys[index]
		if state.invalid {
			continue
		}
		state.window = pruneWindow(state.window, now)
		if len(state.window) >= m.perKeyRPS {
			continue
		}
		state.window = append(state.window, now)
		state.uses++
		state.lastUsed = now
		existing.cursor = (index + 1) % total
		return state.value, nil
	}
	return "", errNoBudget
}

// MarkInvalid flags a key so it is never handed out again. Unknown keys are
// ignored; the caller may race a RemoveKey.
func (m *Manager) MarkInvalid(provider string, value string) {
	provider = normalizeProvider(provider)
	value = strings.TrimSpace(value)
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.pools[provider]
	if !ok {
		return
	}
	for _, state := range existing.keys {
		if state.value == value && !state.invalid {
			state.invalid = true
			m.logger.Error("api key marked invalid", "provider", provider, "key", Mask(value))
			return
		}
	}
}

type KeyStats struct {
	Key         string    `json:"key"`
	Invalid     bool      `json:"invalid"`
	UsageCount  int       `json:"usage_count"`
	WindowUsage int       `json:"window_usage"`
	LastUsed    time.Time `json:"last_used"`
}

type ProviderStats struct {
	Total   int        `json:"total"`
	Invalid int        `json:"invalid"`
	Keys    []KeyStats `json:"keys"`
}

// Stats reports masked pool state per provider.
func (m *Manager) Stats() map[string]ProviderStats {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[string]ProviderStats, len(m.pools))
	for provider, existing := range m.pools {
		entry := ProviderStats{Total: len(existing.keys)}
		for _, state := range existing.keys {
			state.window = pruneWindow(state.window, now)
			if state.invalid {
				entry.Invalid++
			}
			entry.Keys = append(entry.Keys, KeyStats{
				Key:         Mask(state.value),
				Invalid:     state.invalid,
				UsageCount:  state.uses,
				WindowUsage: len(state.window),
				LastUsed:    state.lastUsed,
			})
		}
		stats[provider] = entry
	}
	return stats
}

func (m *Manager) now() time.Time {
	if m != nil && m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) sleep(ctx context.Context, delay time.Duration) error {
	if m != nil && m.Sleep != nil {
		return m.Sleep(ctx, delay)
	}
	return waitWithContext(ctx, delay)
}

func pruneWindow(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Second)
	kept := window[:0]
	for _, stamp := range window {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	return kept
}

// Mask renders a credential safe for logs and stats payloads.
func Mask(value string) string {
	value = strings.TrimSpace(value)
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "..." + value[len(value)-4:]
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ core.KeySource = (*Manager)(nil)

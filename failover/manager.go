package failover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-llm-gateway/core"
)

var (
	ErrUnknownProvider = errors.New("failover: unknown provider")
	ErrDisabled        = errors.New("failover: failover is disabled")
)

const (
	reportLockTimeout = 2 * time.Second
	rotateLockTimeout = 3 * time.Second
)

type providerState struct {
	available atomic.Bool
	failures  atomic.Int32
	lastCheck atomic.Int64
}

// Manager owns the active-provider decision. Failure counting is atomic so
// hot-path reports never block; rotations go through a deadline-bounded lock
// and fall back to the same atomic transitions when the lock is contended
// past the deadline.
type Manager struct {
	enabled   bool
	primary   string
	order     []string
	states    map[string]*providerState
	threshold int
	recovery  time.Duration

	current    atomic.Value
	inFailover atomic.Bool
	rotateLock *timedMutex

	logger core.Logger
	Now    func() time.Time
}

type Option func(*Manager)

func WithLogger(logger core.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func NewManager(cfg core.FailoverConfig, primary string, backups []string, options ...Option) *Manager {
	primary = normalize(primary)
	order := []string{primary}
	states := map[string]*providerState{primary: newProviderState()}
	for _, backup := range backups {
		backup = normalize(backup)
		if backup == "" || backup == primary {
			continue
		}
		if _, exists := states[backup]; exists {
			continue
		}
		order = append(order, backup)
		states[backup] = newProviderState()
	}

	manager := &Manager{
		enabled:    cfg.Enabled,
		primary:    primary,
		order:      order,
		states:     states,
		threshold:  cfg.Threshold,
		recovery:   cfg.RecoveryTime(),
		rotateLock: newTimedMutex(),
		Now:        func() time.Time { return time.Now().UTC() },
	}
	if manager.threshold <= 0 {
		manager.threshold = 3
	}
	manager.current.Store(primary)
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	_, manager.logger = glog.Resolve("failover", nil, manager.logger)
	return manager
}

func newProviderState() *providerState {
	state := &providerState{}
	state.available.Store(true)
	return state
}

func (m *Manager) Current() string {
	return m.current.Load().(string)
}

func (m *Manager) Primary() string {
	return m.primary
}

func (m *Manager) InFailoverMode() bool {
	return m.inFailover.Load()
}

func (m *Manager) RecoveryTime() time.Duration {
	return m.recovery
}

func (m *Manager) Providers() []string {
	return append([]string(nil), m.order...)
}

// ReportSuccess clears the failure streak for a provider. A succeeding
// primary while failed over switches the manager back to it.
func (m *Manager) ReportSuccess(provider string) {
	provider = normalize(provider)
	state, ok := m.states[provider]
	if !ok {
		return
	}
	state.failures.Store(0)
	state.available.Store(true)
	state.lastCheck.Store(m.now().UnixNano())

	if m.enabled && provider == m.primary && m.InFailoverMode() {
		m.recoverToPrimary(context.Background())
	}
}

// ReportFailure bumps the failure streak. At the threshold the provider is
// marked unavailable whether or not it is current; rotation only happens when
// the current provider crosses it.
func (m *Manager) ReportFailure(ctx context.Context, provider string) {
	provider = normalize(provider)
	state, ok := m.states[provider]
	if !ok {
		return
	}
	count := state.failures.Add(1)
	state.lastCheck.Store(m.now().UnixNano())

	if !m.enabled {
		return
	}
	if int(count) < m.threshold {
		return
	}
	state.available.Store(false)
	if provider != m.Current() {
		return
	}
	m.rotateFrom(ctx, provider, reportLockTimeout)
}

func (m *Manager) rotateFrom(ctx context.Context, provider string, lockTimeout time.Duration) {
	locked := m.rotateLock.TryLockTimeout(ctx, lockTimeout)
	if locked {
		defer m.rotateLock.Unlock()
	} else {
		m.logger.Error("rotation lock deadline exceeded, proceeding lockless", "provider", provider)
	}

	state := m.states[provider]
	state.available.Store(false)
	if m.Current() != provider {
		return
	}

	next, ok := m.nextAvailable(provider)
	if !ok {
		m.logger.Error("no available provider to rotate to, staying put", "provider", provider)
		return
	}
	m.current.Store(next)
	m.inFailover.Store(next != m.primary)
	m.logger.Error("provider failed over", "from", provider, "to", next)
}

// nextAvailable prefers the primary, then the backup order.
func (m *Manager) nextAvailable(exclude string) (string, bool) {
	for _, candidate := range m.order {
		if candidate == exclude {
			continue
		}
		if m.states[candidate].available.Load() {
			return candidate, true
		}
	}
	return "", false
}

// ApplyProbeResult folds a health probe outcome into the provider table. A
// healthy primary ends failover mode; an unhealthy current provider rotates.
func (m *Manager) ApplyProbeResult(ctx context.Context, provider string, healthy bool) {
	provider = normalize(provider)
	state, ok := m.states[provider]
	if !ok {
		return
	}
	state.lastCheck.Store(m.now().UnixNano())

	if healthy {
		state.available.Store(true)
		state.failures.Store(0)
		if m.enabled && provider == m.primary && m.InFailoverMode() {
			m.recoverToPrimary(ctx)
		}
		return
	}

	state.available.Store(false)
	if m.enabled && provider == m.Current() {
		m.rotateFrom(ctx, provider, rotateLockTimeout)
	}
}

func (m *Manager) recoverToPrimary(ctx context.Context) {
	locked := m.rotateLock.TryLockTimeout(ctx, rotateLockTimeout)
	if locked {
		defer m.rotateLock.Unlock()
	} else {
		m.logger.Error("recovery lock deadline exceeded, proceeding lockless")
	}
	if !m.states[m.primary].available.Load() {
		return
	}
	previous := m.Current()
	m.current.Store(m.primary)
	m.inFailover.Store(false)
	m.logger.Info("primary recovered, switching back", "from", previous, "to", m.primary)
}

// ForceSwitch pins the current provider, for operator intervention.
func (m *Manager) ForceSwitch(provider string) error {
	if !m.enabled {
		return ErrDisabled
	}
	provider = normalize(provider)
	state, ok := m.states[provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	state.available.Store(true)
	m.current.Store(provider)
	m.inFailover.Store(provider != m.primary)
	m.logger.Info("provider switched manually", "to", provider)
	return nil
}

// ResetProvider clears accumulated failure state for a provider.
func (m *Manager) ResetProvider(provider string) error {
	provider = normalize(provider)
	state, ok := m.states[provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	state.available.Store(true)
	state.failures.Store(0)
	state.lastCheck.Store(m.now().UnixNano())
	return nil
}

func (m *Manager) Status() core.FailoverStatus {
	statuses := make(map[string]core.ProviderStatus, len(m.order))
	for _, provider := range m.order {
		state := m.states[provider]
		var lastCheck time.Time
		if nanos := state.lastCheck.Load(); nanos > 0 {
			lastCheck = time.Unix(0, nanos).UTC()
		}
		statuses[provider] = core.ProviderStatus{
			Available:    state.available.Load(),
			FailureCount: int(state.failures.Load()),
			LastCheck:    lastCheck,
		}
	}
	backups := make([]string, 0, len(m.order)-1)
	for _, provider := range m.order[1:] {
		backups = append(backups, provider)
	}
	return core.FailoverStatus{
		CurrentProvider:   m.Current(),
		PrimaryProvider:   m.primary,
		FailoverProviders: backups,
		InFailoverMode:    m.InFailoverMode(),
		ProviderStatuses:  statuses,
	}
}

func (m *Manager) now() time.Time {
	if m != nil && m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// timedMutex is a one-slot channel mutex supporting bounded acquisition.
type timedMutex struct {
	slot chan struct{}
}

func newTimedMutex() *timedMutex {
	return &timedMutex{slot: make(chan struct{}, 1)}
}

func (m *timedMutex) TryLockTimeout(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m.slot <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *timedMutex) Unlock() {
	<-m.slot
}

var _ core.ProbeSink = (*Manager)(nil)

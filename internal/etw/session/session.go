// Package session creates and controls the trace sessions a consumer reads
// from. It is the only place that retries anything: the trace and bridge
// packages report failures and leave recovery to the caller.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	plog "github.com/phuslu/log"

	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/etw/status"
	"etw_consumer/internal/etw/trace"
	"etw_consumer/internal/logger"
)

// ErrUnsupported is returned by NewController where sessions cannot be
// controlled natively.
var ErrUnsupported = errors.New("trace session control is not supported on this platform")

// ErrStopped is returned for operations on a stopped session.
var ErrStopped = errors.New("session is stopped")

const errorAlreadyExists = 183

func errAlreadyExists(name string) error {
	return fmt.Errorf("session %s: %w", name, status.FromWin32(errorAlreadyExists))
}

// ConsumerSessionGUID identifies sessions created by this program.
var ConsumerSessionGUID = record.MustParseGUID("{6b1c4d4e-2f1a-4b7e-9c55-3e2d7a9f0c11}")

// Session is a trace session created by a Controller.
type Session struct {
	Name string
	GUID record.GUID
	Mode Mode

	handle uint64
	props  *traceProperties

	mu        sync.Mutex
	providers []Provider
	stopped   bool
}

// Source is what a trace.Open call reads to consume the session live.
func (s *Session) Source() trace.Source {
	return trace.Source{SessionName: s.Name}
}

// Providers returns the providers currently enabled on the session.
func (s *Session) Providers() []Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.providers)
}

// Stopped reports whether Stop was called.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) enabled(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers = MergeProviders(append(s.providers, p))
}

func (s *Session) disabled(guid record.GUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.providers, func(p Provider) bool { return p.GUID == guid })
	if i < 0 {
		return false
	}
	s.providers = slices.Delete(s.providers, i, i+1)
	return true
}

// markStopped returns false if the session was already stopped.
func (s *Session) markStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	return true
}

func (s *Session) checkRunning() error {
	if s.Stopped() {
		return fmt.Errorf("session %s: %w", s.Name, ErrStopped)
	}
	return nil
}

// Controller creates sessions and enables providers on them.
type Controller interface {
	// Open creates a session named name.
	Open(name string, mode Mode) (*Session, error)
	// EnableProvider enables p on s, or updates its level and keywords.
	EnableProvider(s *Session, p Provider) error
	// DisableProvider disables p on s.
	DisableProvider(s *Session, p Provider) error
	// Query returns the session buffer statistics.
	Query(s *Session) (Status, error)
	// Stop stops s. Consumers of the session drain buffered events and
	// their dispatch loops return.
	Stop(s *Session) error
}

// Start opens a session and enables every provider on it. On failure the
// session is stopped again.
func Start(ctrl Controller, name string, mode Mode, providers []Provider) (*Session, error) {
	log := logger.NewLoggerWithContext("session")

	s, err := ctrl.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to start session %s: %w", name, err)
	}
	for _, p := range MergeProviders(providers) {
		if err := ctrl.EnableProvider(s, p); err != nil {
			if stopErr := ctrl.Stop(s); stopErr != nil {
				log.Warn().Err(stopErr).Str("session", name).Msg("Failed to stop session after setup error")
			}
			return nil, fmt.Errorf("failed to enable provider %s: %w", p, err)
		}
		log.Debug().Str("session", name).Str("provider", p.String()).
			Uint8("level", p.EnableLevel).Uint64("match_any", p.MatchAnyKeyword).Msg("Enabled provider")
	}
	if len(providers) == 0 {
		log.Warn().Str("session", name).Msg("No providers enabled, the session will stay empty")
	}
	log.Info().Str("session", name).Int("providers", len(s.Providers())).Msg("Session started")
	return s, nil
}

// Synthetic controls the sessions of a trace.Synthetic native.
type Synthetic struct {
	native *trace.Synthetic

	mu       sync.Mutex
	sessions map[string]*Session
	log      plog.Logger
}

// NewSynthetic returns a controller over native.
func NewSynthetic(native *trace.Synthetic) *Synthetic {
	return &Synthetic{
		native:   native,
		sessions: make(map[string]*Session),
		log:      logger.NewLoggerWithContext("session"),
	}
}

func (c *Synthetic) Open(name string, mode Mode) (*Session, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.sessions[name]; ok {
		if !mode.ReplaceExisting {
			return nil, errAlreadyExists(name)
		}
		c.log.Debug().Str("session", name).Msg("Replacing existing session")
		old.markStopped()
		c.native.StopSession(name)
	}
	s := &Session{Name: name, GUID: *ConsumerSessionGUID, Mode: mode}
	c.sessions[name] = s
	c.native.StartSession(name)
	return s, nil
}

func (c *Synthetic) EnableProvider(s *Session, p Provider) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	s.enabled(p)
	return nil
}

func (c *Synthetic) DisableProvider(s *Session, p Provider) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	if !s.disabled(p.GUID) {
		return fmt.Errorf("provider %s is not enabled on session %s: %w", p, s.Name, status.NotFound)
	}
	return nil
}

func (c *Synthetic) Query(s *Session) (Status, error) {
	if err := s.checkRunning(); err != nil {
		return Status{}, err
	}
	return Status{Name: s.Name, LogFile: s.Mode.LogFile, BufferSizeKB: s.Mode.BufferSizeKB}, nil
}

func (c *Synthetic) Stop(s *Session) error {
	if !s.markStopped() {
		return nil
	}
	c.mu.Lock()
	if c.sessions[s.Name] == s {
		delete(c.sessions, s.Name)
	}
	c.mu.Unlock()
	c.native.StopSession(s.Name)
	return nil
}

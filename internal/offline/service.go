// Package offline decides the playback source of each song from the
// offline mode, the user's preference and what is available locally.
package offline

import (
	"context"
	"sync"

	"github.com/cesargomez89/offtrack/internal/connectivity"
	"github.com/cesargomez89/offtrack/internal/constants"
	"github.com/cesargomez89/offtrack/internal/domain"
	"github.com/cesargomez89/offtrack/internal/logger"
	"github.com/cesargomez89/offtrack/internal/metrics"
	"github.com/cesargomez89/offtrack/internal/pubsub"
)

// DefaultPreferDownloaded applies when the setting was never saved.
const DefaultPreferDownloaded = true

// Library answers questions about completed downloads.
type Library interface {
	IsSongDownloaded(songID string) bool
	DownloadedPath(songID string) (string, bool)
}

// SongCache answers questions about cached songs.
type SongCache interface {
	IsSongCached(songID string) bool
	CachedSongPath(songID string) (string, bool)
	OnPlaybackStarted(songID, sourceURL string)
}

// Settings persists scalar preferences. *store.SettingsRepo satisfies it.
type Settings interface {
	GetBool(ctx context.Context, key string, fallback bool) (bool, error)
	SetBool(ctx context.Context, key string, value bool) error
}

// State is what subscribers observe.
type State struct {
	Mode             domain.OfflineMode `json:"mode"`
	PreferDownloaded bool               `json:"prefer_downloaded"`
}

// Target tells the playback engine where to read a song from.
type Target struct {
	Source   domain.PlaybackSource `json:"source"`
	Location string                `json:"location,omitempty"`
}

type Service struct {
	signal    connectivity.Signal
	downloads Library
	cache     SongCache
	settings  Settings
	log       *logger.Logger

	mu          sync.RWMutex
	mode        domain.OfflineMode
	prefer      bool
	initialized bool
	topic       *pubsub.Topic[State]

	unsubscribe func()
	done        chan struct{}
}

func NewService(signal connectivity.Signal, downloads Library, cache SongCache, settings Settings, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		signal:    signal,
		downloads: downloads,
		cache:     cache,
		settings:  settings,
		log:       log.WithComponent("offline"),
		mode:      domain.ModeOnline,
		prefer:    DefaultPreferDownloaded,
		topic:     pubsub.NewTopic[State](),
	}
}

// Initialize restores the saved preference and starts following the
// connectivity signal. The mode always starts online; manual offline is
// not carried across restarts. Calling it again is a no-op.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	prefer, err := s.settings.GetBool(ctx, constants.SettingPreferDownloaded, DefaultPreferDownloaded)
	if err != nil {
		s.log.Warn("Failed to load playback preference, using default", "error", err)
		prefer = DefaultPreferDownloaded
	}
	s.prefer = prefer
	s.mode = domain.ModeOnline
	s.initialized = true

	if s.signal != nil {
		if !s.signal.IsConnected() {
			s.mode = domain.ModeAutoOffline
		}
		ch, cancel := s.signal.Subscribe()
		s.unsubscribe = cancel
		s.done = make(chan struct{})
		go s.watch(ch)
	}

	s.publishLocked()
	s.log.Info("Offline service initialized", "mode", s.mode, "prefer_downloaded", s.prefer)
	return nil
}

func (s *Service) watch(ch <-chan bool) {
	defer close(s.done)
	for connected := range ch {
		if connected {
			s.NotifyConnectionRestored()
		} else {
			s.NotifyConnectionLost()
		}
	}
}

// Close stops following the connectivity signal.
func (s *Service) Close() {
	s.mu.Lock()
	unsubscribe, done := s.unsubscribe, s.done
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		<-done
	}
}

// SetManualOfflineMode enters or leaves manual offline. Leaving it goes
// online, then straight to auto offline if the signal reports the server
// unreachable.
func (s *Service) SetManualOfflineMode(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if enabled {
		s.setModeLocked(domain.ModeManualOffline)
		return
	}
	if s.mode != domain.ModeManualOffline {
		return
	}
	next := domain.ModeOnline
	if s.signal != nil && !s.signal.IsConnected() {
		next = domain.ModeAutoOffline
	}
	s.setModeLocked(next)
}

// NotifyConnectionLost moves online to auto offline. Manual offline is untouched.
func (s *Service) NotifyConnectionLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == domain.ModeOnline {
		s.setModeLocked(domain.ModeAutoOffline)
	}
}

// NotifyConnectionRestored moves auto offline back to online. Manual
// offline is untouched.
func (s *Service) NotifyConnectionRestored() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == domain.ModeAutoOffline {
		s.setModeLocked(domain.ModeOnline)
	}
}

func (s *Service) setModeLocked(mode domain.OfflineMode) {
	if s.mode == mode {
		return
	}
	s.log.Info("Offline mode changed", "from", s.mode, "to", mode)
	s.mode = mode
	s.publishLocked()
}

// PlaybackSource resolves where songID should be played from. It has no
// side effects.
func (s *Service) PlaybackSource(songID string) domain.PlaybackSource {
	s.mu.RLock()
	mode, prefer := s.mode, s.prefer
	s.mu.RUnlock()

	return domain.ResolveSource(mode, s.downloads.IsSongDownloaded(songID), s.cache.IsSongCached(songID), prefer)
}

func (s *Service) IsSongAvailableOffline(songID string) bool {
	return s.downloads.IsSongDownloaded(songID) || s.cache.IsSongCached(songID)
}

// ResolvePlayback resolves the source and the location to read from. A
// stream also starts caching the song in the background.
func (s *Service) ResolvePlayback(songID, streamURL string) Target {
	s.mu.RLock()
	mode, prefer := s.mode, s.prefer
	s.mu.RUnlock()

	source := domain.ResolveSource(mode, s.downloads.IsSongDownloaded(songID), s.cache.IsSongCached(songID), prefer)
	switch source {
	case domain.SourceLocal:
		if p, ok := s.downloads.DownloadedPath(songID); ok {
			return Target{Source: source, Location: p}
		}
	case domain.SourceCached:
		if p, ok := s.cache.CachedSongPath(songID); ok {
			return Target{Source: source, Location: p}
		}
	case domain.SourceStream:
		return s.stream(songID, streamURL)
	default:
		return Target{Source: source}
	}

	// The local copy vanished between the check and the lookup.
	if fallback := domain.ResolveSource(mode, false, false, prefer); fallback == domain.SourceStream {
		return s.stream(songID, streamURL)
	}
	return Target{Source: domain.SourceUnavailable}
}

func (s *Service) stream(songID, streamURL string) Target {
	s.cache.OnPlaybackStarted(songID, streamURL)
	return Target{Source: domain.SourceStream, Location: streamURL}
}

// SetPreferDownloaded saves the preference before applying it.
func (s *Service) SetPreferDownloaded(ctx context.Context, prefer bool) error {
	if err := s.settings.SetBool(ctx, constants.SettingPreferDownloaded, prefer); err != nil {
		return domain.PersistenceError("save prefer_downloaded", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefer != prefer {
		s.prefer = prefer
		s.publishLocked()
	}
	return nil
}

func (s *Service) PreferDownloaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefer
}

func (s *Service) Mode() domain.OfflineMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Service) IsOffline() bool {
	return s.Mode().IsOffline()
}

func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{Mode: s.mode, PreferDownloaded: s.prefer}
}

// Subscribe streams the state after every change, starting with the current one.
func (s *Service) Subscribe() (<-chan State, func()) {
	return s.topic.Subscribe()
}

// publishLocked runs under mu so subscribers never see a half-applied change.
func (s *Service) publishLocked() {
	for _, m := range []domain.OfflineMode{domain.ModeOnline, domain.ModeManualOffline, domain.ModeAutoOffline} {
		v := 0.0
		if m == s.mode {
			v = 1
		}
		metrics.OfflineMode.WithLabelValues(string(m)).Set(v)
	}
	s.topic.Publish(State{Mode: s.mode, PreferDownloaded: s.prefer})
}

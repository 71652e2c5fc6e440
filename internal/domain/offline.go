package domain

// OfflineMode is the process-wide connectivity mode.
type OfflineMode string

const (
	ModeOnline        OfflineMode = "online"
	ModeManualOffline OfflineMode = "manual_offline"
	ModeAutoOffline   OfflineMode = "auto_offline"
)

// IsOffline reports whether playback must avoid the server.
func (m OfflineMode) IsOffline() bool {
	return m != ModeOnline
}

type PlaybackSource string

const (
	SourceStream      PlaybackSource = "stream"
	SourceLocal       PlaybackSource = "local"
	SourceCached      PlaybackSource = "cached"
	SourceUnavailable PlaybackSource = "unavailable"
)

// ResolveSource picks where a song should be played from. It is a pure
// function of its inputs and is evaluated top to bottom:
//
//	offline, downloaded              -> local
//	offline, cached                  -> cached
//	offline                          -> unavailable
//	online, prefer, downloaded       -> local
//	online, prefer, cached           -> cached
//	online                           -> stream
func ResolveSource(mode OfflineMode, downloaded, cached, preferDownloaded bool) PlaybackSource {
	if mode.IsOffline() {
		switch {
		case downloaded:
			return SourceLocal
		case cached:
			return SourceCached
		default:
			return SourceUnavailable
		}
	}

	if preferDownloaded {
		if downloaded {
			return SourceLocal
		}
		if cached {
			return SourceCached
		}
	}
	return SourceStream
}

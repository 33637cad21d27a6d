package telemetry

// SessionInfo carries the slowly-changing sim metadata that arrives out
// of band from the sample stream. Fields may be empty until the sim
// reports them; the pipeline defers session creation until both track
// and car are known.
type SessionInfo struct {
	TrackName   string `json:"track_name"`
	TrackConfig string `json:"track_config"`
	CarName     string `json:"car_name"`
	SessionType string `json:"session_type"` // practice, qualify, race
}

// Complete reports whether enough metadata is present to key persistent
// storage for a (track, car) pair.
func (i *SessionInfo) Complete() bool {
	return i.TrackName != "" && i.CarName != ""
}

// FullTrackName joins the track and its configuration the way persisted
// references are keyed, e.g. "okayama full".
func (i *SessionInfo) FullTrackName() string {
	if i.TrackConfig == "" {
		return i.TrackName
	}
	return i.TrackName + " " + i.TrackConfig
}

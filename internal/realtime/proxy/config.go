package proxy

// TurnDetection carries the client's requested voice-activity parameters.
type TurnDetection struct {
	Type              string  `json:"type,omitempty"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// ClientConfig is the session configuration requested by the client. It is
// passed through to upstream in the post-connect configuration frame and
// never interpreted beyond that.
type ClientConfig struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

// sessionUpdateFrame is the one configuration-update frame sent after the
// upstream acknowledges the connection. Upstream accepts configuration only
// after the connect is acknowledged, hence the two-step handshake.
type sessionUpdateFrame struct {
	Type    string       `json:"type"`
	Session ClientConfig `json:"session"`
}

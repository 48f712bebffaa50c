package models

// TranscriptResult represents the output of a completed transcription run
type TranscriptResult struct {
	Text           string
	Language       string  // language the model detected or was told to use
	DurationSec    float64 // audio duration reported by the worker
	Chars          int
	RemoteTextPath string // transcript path on the worker, for diagnostics
}

package models

import "errors"

var (
	// ErrDecode means the video could not be parsed or yielded no frames.
	ErrDecode = errors.New("video decode failed")

	// ErrInferenceUnavailable means the remote inference service could not
	// serve the request. The pipeline falls back to local inference on it.
	ErrInferenceUnavailable = errors.New("remote inference unavailable")

	// ErrUnknownExercise means no rule exists for the requested exercise.
	ErrUnknownExercise = errors.New("unknown exercise type")

	// ErrAnalysisFailed means every inference tier failed or no frame
	// produced a usable pose.
	ErrAnalysisFailed = errors.New("analysis failed")
)

package download

import "errors"

var (
	// ErrNotFound indicates an operation referenced an unknown URL
	ErrNotFound = errors.New("not_found")

	// ErrInvalidTransition indicates a status change rejected by the state machine
	ErrInvalidTransition = errors.New("invalid_transition")

	// ErrShuttingDown indicates the runner is no longer accepting new downloads
	ErrShuttingDown = errors.New("shutting_down")

	// ErrAlreadyDownloading indicates the URL already has an active yt-dlp process
	ErrAlreadyDownloading = errors.New("already_downloading")
)

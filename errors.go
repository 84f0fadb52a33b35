package pdtmatch

import "errors"

var (
	// ErrDataNotFound is returned when the Parquet dataset file is absent.
	ErrDataNotFound = errors.New("pdtmatch: dataset file not found")

	// ErrDataCorrupt is returned when the dataset fails the integrity check.
	ErrDataCorrupt = errors.New("pdtmatch: dataset file is corrupt")

	// ErrDataUnavailable is returned when the lifecycle manager is in the
	// Error state and no dataset handle can be acquired.
	ErrDataUnavailable = errors.New("pdtmatch: dataset unavailable")

	// ErrFetchFailed is returned when downloading the dataset fails after
	// all retry attempts.
	ErrFetchFailed = errors.New("pdtmatch: dataset download failed")

	// ErrInvalidFilter is returned for filter specs with unknown enum values
	// or out-of-range parameters.
	ErrInvalidFilter = errors.New("pdtmatch: invalid filter")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("pdtmatch: invalid configuration")

	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errors.New("pdtmatch: engine is closed")
)

package dataset

import "errors"

var (
	// ErrNotFound is returned when the dataset file does not exist.
	ErrNotFound = errors.New("dataset: file not found")

	// ErrCorrupt is returned when the file fails the Parquet integrity
	// check. Callers should discard the file and re-fetch.
	ErrCorrupt = errors.New("dataset: file is corrupt")
)

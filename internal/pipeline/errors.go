package pipeline

import "github.com/rotisserie/eris"

var (
	// ErrInvalidSeed is returned by Start for a seed that is not a
	// well-formed ASIN. No run is created.
	ErrInvalidSeed = eris.New("pipeline: invalid seed ASIN")

	// ErrAlreadyRunning is returned when a non-terminal run already exists
	// for the seed. Callers retry later; there is no queueing.
	ErrAlreadyRunning = eris.New("pipeline: run already in progress for seed")

	// ErrNotResumable is returned by Resume when the seed's latest run is
	// not in a failed state.
	ErrNotResumable = eris.New("pipeline: run is not resumable")

	// ErrCancelled is recorded when a run is cancelled at a stage boundary.
	ErrCancelled = eris.New("pipeline: run cancelled")
)

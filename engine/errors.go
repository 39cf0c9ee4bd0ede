package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNoActiveProject = errors.New("no active project")
	ErrCancelled       = errors.New("cancelled by user")
	ErrRunInProgress   = errors.New("a run is already in progress")
	ErrInvalidInput    = errors.New("invalid input")
	ErrSaveFailed      = errors.New("failed to save config")
)

// BlockNotCompilableError reports a block that stayed inconsistent after a
// compile attempt. The block is skipped.
type BlockNotCompilableError struct {
	Block string
	Err   error
}

func (e *BlockNotCompilableError) Error() string {
	return fmt.Sprintf("block %s is not compilable: %v", e.Block, e.Err)
}

func (e *BlockNotCompilableError) Unwrap() error { return e.Err }

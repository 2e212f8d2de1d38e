package vault

import (
	"errors"

	"github.com/luxfi/ppv/pkg/fixedpoint"
	"github.com/luxfi/ppv/pkg/swap"
)

var (
	ErrZeroAmount              = errors.New("zero amount")
	ErrCapExceeded             = errors.New("deposit cap exceeded")
	ErrInsufficientShares      = errors.New("insufficient shares")
	ErrReentrantInitialization = errors.New("reentrant initialization")
	ErrNotInitialized          = errors.New("vault not initialized")
	ErrPaused                  = errors.New("vault is paused")
	ErrInvalidConfig           = errors.New("invalid vault config")
	ErrNoAssets                = errors.New("vault has shares outstanding but no assets")
	ErrUncoveredLoss           = errors.New("realized loss exceeds released assets")
	ErrSchemaVersion           = errors.New("unsupported snapshot schema version")
	ErrCorruptSnapshot         = errors.New("corrupt snapshot")
)

// Failure kinds raised by collaborators, re-exported so every error a vault
// call returns can be matched against this package.
var (
	ErrSlippageExceeded   = swap.ErrSlippageExceeded
	ErrExternalCallFailed = swap.ErrExternalCallFailed
	ErrArithmeticOverflow = fixedpoint.ErrArithmeticOverflow
)

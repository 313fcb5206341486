package devloop

import (
	"errors"
)

// Core errors
var (
	// Layer composition errors
	ErrResourceNotFound = errors.New("resource not found")
	ErrLayerClosed      = errors.New("layer is closed")
	ErrElementClosed    = errors.New("element is closed")

	// Application layer set errors
	ErrLayerSetClosed = errors.New("application layer set is closed")
	ErrMalformedKey   = errors.New("malformed artifact key")

	// Scan coordinator errors
	ErrNilCompiler        = errors.New("compiler is nil")
	ErrNilRestartCallback = errors.New("restart callback is nil")
	ErrNilDevContext      = errors.New("dev context is nil")

	// Hot-swap errors
	ErrRedefinerUnavailable = errors.New("live redefinition facility is not available")
	ErrNoStructuralBaseline = errors.New("no structural index from a previous successful start")
	ErrSwapStructureChanged = errors.New("type structure changed, not eligible for hot swap")
	ErrSwapVetoed           = errors.New("hot swap vetoed by predicate")
	ErrBadUnitManifest      = errors.New("compiled unit carries no readable structural manifest")

	// Configuration errors
	ErrUnsupportedConfigFormat = errors.New("unsupported config file format")
	ErrConfigNil               = errors.New("config is nil")

	// Trigger errors
	ErrTriggerAlreadyStarted = errors.New("scan trigger already started")
	ErrTriggerNotStarted     = errors.New("scan trigger not started")

	// Event errors
	ErrNoEventSink = errors.New("no sink available for event emission")
)

package espargos

import (
	"errors"

	"github.com/espargos/goespargos/internal/wire"
)

var (
	// ErrUnreachable means a board never answered on any transport, or its
	// connection was lost and all reconnect attempts were exhausted. Reported
	// per board; never fatal to the Pool.
	ErrUnreachable = errors.New("board unreachable")

	// ErrMalformedFrame is the wire codec's decode failure. Entirely local to
	// the board link: the payload is dropped and logged, the stream continues.
	ErrMalformedFrame = wire.ErrMalformedFrame

	// ErrInsufficientData means calibration observed fewer qualifying
	// clusters than required. Prior coefficients remain in effect.
	ErrInsufficientData = errors.New("calibration: not enough qualifying clusters")

	// ErrCalibrationFailed wraps any other calibration abort. Prior
	// coefficients remain in effect.
	ErrCalibrationFailed = errors.New("calibration failed")

	// ErrBacklogMisconfigured means invalid construction parameters (size,
	// field set). Fatal to that Backlog only.
	ErrBacklogMisconfigured = errors.New("backlog misconfigured")

	// ErrStopped is returned by operations on a Pool that has been stopped.
	ErrStopped = errors.New("pool stopped")

	// ErrUnexpectedResponse means the controller's HTTP API answered with
	// something this library does not understand. Usually the host is not an
	// array controller, or runs incompatible firmware.
	ErrUnexpectedResponse = errors.New("unexpected controller response")
)

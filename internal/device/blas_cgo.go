//go:build cgo

package device

// With cgo available, float32 BLAS (scal, copy) goes through the system
// library (Accelerate on macOS, OpenBLAS on Linux) instead of pure Go gonum.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Str("impl", "netlib").Msg("cgo BLAS registered for tensor ops")
}

//go:build !cgo

package window

import (
	"errors"

	"kcore/hal"
)

func Run(_ *hal.Host, _ func(hal.HAL) func() error) error {
	return errors.New("window mode requires cgo (build/run with CGO_ENABLED=1)")
}

//go:build cuda

package device

import (
	"errors"
	"fmt"

	"gorgonia.org/cu"
)

func probeCUDA() (string, int64, error) {
	n, err := cu.NumDevices()
	if err != nil {
		return "", 0, fmt.Errorf("failed to count cuda devices: %w", err)
	}
	if n == 0 {
		return "", 0, errors.New("no cuda devices")
	}
	name, err := cu.Device(0).Name()
	if err != nil {
		return "", 0, fmt.Errorf("failed to read cuda device name: %w", err)
	}
	mem, err := cu.Device(0).TotalMem()
	if err != nil {
		return "", 0, fmt.Errorf("failed to read cuda device memory: %w", err)
	}
	return name, mem, nil
}

//go:build !cuda

package device

import "errors"

var errNoCUDA = errors.New("built without cuda support")

func probeCUDA() (string, int64, error) {
	return "", 0, errNoCUDA
}

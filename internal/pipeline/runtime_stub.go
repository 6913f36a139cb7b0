//go:build !govips || !cgo

package pipeline

import "errors"

var errStillImageUnavailable = errors.New("heic decode requires govips build tag")

func Startup() error {
	return nil
}

func Shutdown() {}

func newPlaneReader() PlaneReader {
	return unavailablePlaneReader{}
}

type unavailablePlaneReader struct{}

func (unavailablePlaneReader) ReadPlanes(_ []byte) (RawPlanes, error) {
	return RawPlanes{}, errStillImageUnavailable
}

//go:build !linux

package listener

import (
	"errors"
	"net"
)

func peerCredentials(*net.UnixConn) (uint32, uint32, error) {
	return 0, 0, errors.New("listener: peer credentials are only supported on linux")
}

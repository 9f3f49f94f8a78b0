//go:build linux

package storagenode

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenConfig returns a net.ListenConfig that binds the socket to the named
// network device, when one is given. Binding to a device keeps the protocol
// port off interfaces exposed to the internet.
func listenConfig(iface string) net.ListenConfig {
	if iface == "" {
		return net.ListenConfig{}
	}
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var bindErr error
			err := c.Control(func(fd uintptr) {
				bindErr = unix.BindToDevice(int(fd), iface)
			})
			if err != nil {
				return err
			}
			return bindErr
		},
	}
}

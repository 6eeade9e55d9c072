//go:build windows

package rtp

import (
	"golang.org/x/sys/windows"
)

func setSockOptBuffers(fd uintptr, recvBufSize, sendBufSize int) error {
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_RCVBUF, recvBufSize); err != nil {
		return err
	}
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_SNDBUF, sendBufSize)
}

// setSockOptDSCP Windows часто требует административных прав для QoS, ошибку игнорируем
func setSockOptDSCP(fd uintptr, dscp int) error {
	tos := dscp << 2
	_ = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_TOS, tos)
	return nil
}

// setSockOptReusePort Windows поддерживает только SO_REUSEADDR
func setSockOptReusePort(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

func setSockOptBindToDevice(uintptr, string) error {
	return nil
}

func setSockOptPriority(uintptr) {}

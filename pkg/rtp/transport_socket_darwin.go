//go:build darwin

package rtp

import (
	"golang.org/x/sys/unix"
)

func setSockOptBuffers(fd uintptr, recvBufSize, sendBufSize int) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufSize); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sendBufSize)
}

func setSockOptDSCP(fd uintptr, dscp int) error {
	tos := dscp << 2
	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return nil
	}
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}

// setSockOptReusePort на macOS SO_REUSEADDR стабильнее, SO_REUSEPORT включается если доступен
func setSockOptReusePort(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	return nil
}

// setSockOptBindToDevice на macOS нет аналога SO_BINDTODEVICE, привязка идет через адрес
func setSockOptBindToDevice(uintptr, string) error {
	return nil
}

func setSockOptPriority(uintptr) {}

//go:build !linux && !darwin && !windows

package rtp

func setSockOptBuffers(uintptr, int, int) error { return nil }

func setSockOptDSCP(uintptr, int) error { return nil }

func setSockOptReusePort(uintptr) error { return nil }

func setSockOptBindToDevice(uintptr, string) error { return nil }

func setSockOptPriority(uintptr) {}

//go:build windows

package accel

import "golang.org/x/sys/windows"

// currentThreadID identifies the calling OS thread so KickVCPU can tell
// whether it is being asked to wake its own thread (§5 "kick_vcpu").
func currentThreadID() uint32 { return windows.GetCurrentThreadId() }

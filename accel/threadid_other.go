//go:build !windows

package accel

// currentThreadID has no portable meaning off Windows, where this
// accelerator's driver transport does not exist either (see
// driver/ioctl_other.go). Returning 0 makes KickVCPU always issue a real
// rescind_vcpu rather than silently no-op.
func currentThreadID() uint32 { return 0 }

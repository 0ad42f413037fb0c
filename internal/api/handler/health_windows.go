//go:build windows
// +build windows

package handler

// getCPUUsage returns the CPU usage percentage for this process.
// On Windows, this is a stub that returns zero.
func getCPUUsage() float64 {
	return 0
}

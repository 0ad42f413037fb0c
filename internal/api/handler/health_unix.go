//go:build linux || darwin
// +build linux darwin

package handler

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// CPU tracking state for calculating delta between polls
var (
	cpuMu          sync.Mutex
	lastCPUTime    time.Duration // user + system time
	lastWallTime   time.Time
	cpuInitialized bool
)

// getCPUUsage returns the CPU usage percentage for this process and its
// reaped children since the last call, capped at one core.
func getCPUUsage() float64 {
	total := rusageTime(unix.RUSAGE_SELF) + rusageTime(unix.RUSAGE_CHILDREN)
	now := time.Now()

	cpuMu.Lock()
	defer cpuMu.Unlock()

	if !cpuInitialized {
		lastCPUTime = total
		lastWallTime = now
		cpuInitialized = true
		return 0 // First call, no delta yet
	}

	cpuDelta := total - lastCPUTime
	wallDelta := now.Sub(lastWallTime)

	lastCPUTime = total
	lastWallTime = now

	if wallDelta <= 0 {
		return 0
	}

	pct := float64(cpuDelta) / float64(wallDelta) * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

func rusageTime(who int) time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(who, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys
}

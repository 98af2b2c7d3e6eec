// Package common provides process information and file helpers shared by
// the built-in handlers
package common

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// Version of the front-end
const Version = "1.0.0"

var (
	startTime   = time.Now()
	filesServed atomic.Int64
)

// Info holds system and application information
type Info struct {
	Hostname    string
	OS          string
	Version     string
	GoVersion   string
	NumCPU      int
	StartTime   time.Time
	FilesServed int64
}

// GetInfo returns a snapshot of system and application information
func GetInfo() *Info {
	hostname, _ := os.Hostname()

	return &Info{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Version:     Version,
		GoVersion:   runtime.Version(),
		NumCPU:      runtime.NumCPU(),
		StartTime:   startTime,
		FilesServed: filesServed.Load(),
	}
}

// CountFileServed records one file served
func CountFileServed() {
	filesServed.Add(1)
}

// String returns a string representation of the Info struct
func (i *Info) String() string {
	uptime := time.Since(i.StartTime).Truncate(time.Second)

	return fmt.Sprintf(
		"Server Information:\n"+
			"Hostname: %s\n"+
			"OS: %s\n"+
			"Version: %s\n"+
			"Go Version: %s\n"+
			"NumCPU: %d\n"+
			"Uptime: %s\n"+
			"Files Served: %d\n",
		i.Hostname,
		i.OS,
		i.Version,
		i.GoVersion,
		i.NumCPU,
		uptime,
		i.FilesServed,
	)
}

// Package procutil reads process information from /proc.
package procutil

import (
	"fmt"
	"os"
	"strings"
)

// ReadComm reads the process name from /proc/<pid>/comm.
// Returns empty string on error.
func ReadComm(pid int32) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readStatFields returns the fields of /proc/<pid>/stat after the comm,
// or nil on error.
func readStatFields(pid int32) []string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil
	}
	s := string(data)
	// comm may contain spaces and parentheses.
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return nil
	}
	return strings.Fields(s[i+2:])
}

// ReadPPID returns the parent PID, or 0 on any error.
func ReadPPID(pid int32) int32 {
	fields := readStatFields(pid)
	if len(fields) < 2 {
		return 0
	}
	var ppid int32
	fmt.Sscanf(fields[1], "%d", &ppid)
	return ppid
}

// IsSessionLeader reports whether pid is a session leader (SID == PID).
func IsSessionLeader(pid int32) bool {
	fields := readStatFields(pid)
	if len(fields) < 4 {
		return false
	}
	// state, ppid, pgrp, session
	var sid int32
	fmt.Sscanf(fields[3], "%d", &sid)
	return sid == pid
}

// ProcEntry is one process of a chain.
type ProcEntry struct {
	Comm string
	PID  int32
}

func (p ProcEntry) String() string {
	return fmt.Sprintf("%s[%d]", p.Comm, p.PID)
}

// ReadProcessChain walks from pid up to (but not including) PID 1. When
// trimAtSessionLeader is true, the walk stops at the first session leader.
func ReadProcessChain(pid int32, trimAtSessionLeader bool) []ProcEntry {
	var chain []ProcEntry
	for p := pid; p > 1; p = ReadPPID(p) {
		comm := ReadComm(p)
		if comm == "" {
			break
		}
		if trimAtSessionLeader && IsSessionLeader(p) {
			break
		}
		chain = append(chain, ProcEntry{Comm: comm, PID: p})
	}
	return chain
}

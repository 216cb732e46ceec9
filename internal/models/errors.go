package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("attachment not found")
	ErrOwnershipDenied    = errors.New("attachment belongs to another user")
	ErrTooManyAttachments = errors.New("too many attachments")
	ErrProcessingTimedOut = errors.New("attachment processing timed out")
	ErrInvalidTransition  = errors.New("invalid state transition")
)

// ValidationError carries every violated constraint of a batch.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

// FileThreats lists the threats found in one file of a batch.
type FileThreats struct {
	Filename string
	Threats  []string
}

// ThreatError is returned when the security scan flags at least one file.
type ThreatError struct {
	Files []FileThreats
}

func (e *ThreatError) Error() string {
	parts := make([]string, 0, len(e.Files))
	for _, f := range e.Files {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Filename, strings.Join(f.Threats, ", ")))
	}
	return "security threat detected: " + strings.Join(parts, "; ")
}

// ProcessingFailedError reports a record the pipeline marked as failed.
type ProcessingFailedError struct {
	ID     string
	Reason string
}

func (e *ProcessingFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("attachment %s failed processing", e.ID)
	}
	return fmt.Sprintf("attachment %s failed processing: %s", e.ID, e.Reason)
}

// RetentionError is a per-record failure collected during a sweep.
type RetentionError struct {
	RecordID string
	Op       string
	Err      error
}

func (e RetentionError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RecordID, e.Err)
}

func (e RetentionError) Unwrap() error { return e.Err }

// CleanupStats accumulates the outcome of a sweep or an erasure.
type CleanupStats struct {
	RetentionExpired  int
	FailedTimedOut    int
	Scheduled         int
	UserErased        int
	TempFilesRemoved  int
	DirsPruned        int
	BytesFreed        int64
	ApproachingExpiry int
	DryRun            bool
	Duration          time.Duration
	Errors            []RetentionError
}

// RecordsDeleted is the total number of records removed across passes.
func (s *CleanupStats) RecordsDeleted() int {
	return s.RetentionExpired + s.FailedTimedOut + s.Scheduled + s.UserErased
}

// Merge adds other into s.
func (s *CleanupStats) Merge(other CleanupStats) {
	s.RetentionExpired += other.RetentionExpired
	s.FailedTimedOut += other.FailedTimedOut
	s.Scheduled += other.Scheduled
	s.UserErased += other.UserErased
	s.TempFilesRemoved += other.TempFilesRemoved
	s.DirsPruned += other.DirsPruned
	s.BytesFreed += other.BytesFreed
	s.ApproachingExpiry += other.ApproachingExpiry
	s.Errors = append(s.Errors, other.Errors...)
}

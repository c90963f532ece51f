package store

import "time"

// CleanStatus tracks whether a worker is safely reusable.
type CleanStatus string

const (
	// CleanStatusClean means the worker is confirmed pristine and may be
	// dispatched to.
	CleanStatusClean CleanStatus = "CLEAN"
	// CleanStatusDirty means the worker has run a build or has stale state
	// and must be reset before reuse.
	CleanStatusDirty CleanStatus = "DIRTY"
	// CleanStatusCleaning means a reset is in flight.
	CleanStatusCleaning CleanStatus = "CLEANING"
)

// ResetProtocol selects how a virtualized worker is returned to a pristine
// state between builds.
type ResetProtocol string

const (
	// ResetProtocolSync (1.1): the resume command is synchronous; once it
	// returns the worker should be running again.
	ResetProtocolSync ResetProtocol = "1.1"
	// ResetProtocolAsync (2.0): the resume command only triggers the reset;
	// external management flips CLEANING back to CLEAN via the API later.
	ResetProtocolAsync ResetProtocol = "2.0"
)

// JobStatus is the lifecycle state of a build job.
type JobStatus string

const (
	JobStatusNeedsBuild JobStatus = "NEEDSBUILD"
	JobStatusBuilding   JobStatus = "BUILDING"
	JobStatusUploading  JobStatus = "UPLOADING"
	JobStatusFailed     JobStatus = "FAILEDTOBUILD"
	JobStatusDepWait    JobStatus = "DEPWAIT"
	JobStatusChrootWait JobStatus = "CHROOTWAIT"
	JobStatusCancelling JobStatus = "CANCELLING"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// BuildKind tags the build type of a job; each kind has exactly one
// behaviour implementation.
type BuildKind string

const (
	KindBinaryPackage BuildKind = "binarypackage"
)

// Worker is the durable record of one remote build machine.
type Worker struct {
	Name          string        `json:"name"`
	URL           string        `json:"url"`
	Virtualized   bool          `json:"virtualized"`
	VMHost        string        `json:"vmHost,omitempty"`
	ResetProtocol ResetProtocol `json:"resetProtocol,omitempty"`
	OK            bool          `json:"ok"`
	Manual        bool          `json:"manual"`
	FailNotes     string        `json:"failNotes,omitempty"`
	FailureCount  int           `json:"failureCount"`
	CleanStatus   CleanStatus   `json:"cleanStatus"`
	CurrentJobID  string        `json:"currentJobId,omitempty"`
	Version       string        `json:"version,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// JobFile is one input file a worker must have cached before a build starts.
type JobFile struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
	URL    string `json:"url"`
}

// BuildJob is a queued or running build.
type BuildJob struct {
	ID           string            `json:"id"`
	Kind         BuildKind         `json:"kind"`
	Status       JobStatus         `json:"status"`
	WorkerName   string            `json:"workerName,omitempty"`
	ChrootDigest string            `json:"chrootDigest"`
	ChrootURL    string            `json:"chrootUrl"`
	Files        []JobFile         `json:"files,omitempty"`
	Args         map[string]string `json:"args,omitempty"`
	LogTail      string            `json:"logTail,omitempty"`
	FailureCount int               `json:"failureCount"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// WorkerEvent captures lifecycle progress for a worker.
type WorkerEvent struct {
	ID         string    `json:"id"`
	WorkerName string    `json:"workerName"`
	State      string    `json:"state"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

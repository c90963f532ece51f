package dispatch

import "fmt"

// IsolationError reports an attempt to dispatch a build to a worker that is
// unhealthy or not provably clean. It indicates a caller bug and is never
// retried.
type IsolationError struct {
	Worker string
	Reason string
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("isolation violation on %s: %s", e.Worker, e.Reason)
}

// CannotResumeHost reports a failed or impossible VM host resume, including
// configuration problems such as an unknown reset protocol.
type CannotResumeHost struct {
	Worker string
	Reason string
	Stdout string
	Stderr string
}

func (e *CannotResumeHost) Error() string {
	msg := fmt.Sprintf("cannot resume %s: %s", e.Worker, e.Reason)
	if e.Stdout != "" || e.Stderr != "" {
		msg += fmt.Sprintf("\nOUT:\n%s\nERR:\n%s", e.Stdout, e.Stderr)
	}
	return msg
}

// ProtocolError reports a status value outside the known vocabulary.
type ProtocolError struct {
	Worker string
	Status string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("worker %s reported unknown status %q", e.Worker, e.Status)
}

// MalformedStatusError reports a build status string without the expected
// namespace prefix.
type MalformedStatusError struct {
	Raw string
}

func (e *MalformedStatusError) Error() string {
	return fmt.Sprintf("malformed status string: %q", e.Raw)
}

// CannotFetchFile reports that a worker could not obtain a file it was asked
// to cache.
type CannotFetchFile struct {
	Digest string
	URL    string
	Info   string
}

func (e *CannotFetchFile) Error() string {
	return fmt.Sprintf("worker could not fetch %s (%s): %s", e.Digest, e.URL, e.Info)
}

// BehaviourMismatchError reports that the behaviour resolved for a candidate
// does not match the kind the candidate requires. A programming invariant
// violation, never retried.
type BehaviourMismatchError struct {
	Got  string
	Want string
}

func (e *BehaviourMismatchError) Error() string {
	return fmt.Sprintf("inappropriate build behaviour: %s is not a %s", e.Got, e.Want)
}

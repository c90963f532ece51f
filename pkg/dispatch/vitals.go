package dispatch

import "github.com/vyvo/buildfarm/pkg/store"

// Vitals is an immutable snapshot of a worker's persisted attributes, read
// once per orchestration step. It is never written back; all mutation goes
// through the store so that a stale snapshot cannot overwrite concurrent
// changes.
type Vitals struct {
	Name          string
	URL           string
	Virtualized   bool
	VMHost        string
	ResetProtocol store.ResetProtocol
	OK            bool
	Manual        bool
	BuildJobID    string
	Version       string
	CleanStatus   store.CleanStatus
}

// VitalsOf copies the dispatch-relevant fields out of a worker record.
func VitalsOf(w store.Worker) Vitals {
	return Vitals{
		Name:          w.Name,
		URL:           w.URL,
		Virtualized:   w.Virtualized,
		VMHost:        w.VMHost,
		ResetProtocol: w.ResetProtocol,
		OK:            w.OK,
		Manual:        w.Manual,
		BuildJobID:    w.CurrentJobID,
		Version:       w.Version,
		CleanStatus:   w.CleanStatus,
	}
}

package domain

import "fmt"

type SignalKind string

const (
	SignalNewDir            SignalKind = "new dir"
	SignalNewDataset        SignalKind = "new dataset"
	SignalTagsUpdated       SignalKind = "tags updated"
	SignalDataAvailable     SignalKind = "data available"
	SignalNewParameter      SignalKind = "new parameter"
	SignalCommentsAvailable SignalKind = "comments available"
)

// Signal is a payload-free liveness hint plus enough addressing for the
// receiver to know what changed. Data is never carried; clients pull.
type Signal struct {
	Kind SignalKind
	// Path of the session the signal originates from.
	Path Path
	// Name is the new directory or dataset for session signals and the
	// dataset itself for dataset signals.
	Name     string
	Dirs     []EntryTags
	Datasets []EntryTags
}

// ContextKey identifies a client context for notifications. Broker keeps
// contexts that share a connection-local id apart when the service is
// reachable through several upstream brokers.
type ContextKey struct {
	Broker string
	ID     string
}

func (k ContextKey) String() string {
	if k.Broker == "" {
		return k.ID
	}
	return fmt.Sprintf("%s/%s", k.Broker, k.ID)
}

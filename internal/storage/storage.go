package storage

// ArtifactStore is the on-disk side of meeting deletion and wipes.
type ArtifactStore interface {
	// RemoveMeeting deletes every artifact of a meeting.
	RemoveMeeting(id int64) error

	// WipeAll deletes every artifact and leaves an empty root.
	WipeAll() error
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

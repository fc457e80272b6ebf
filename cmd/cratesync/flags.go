package main

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// EnqueueFlags holds flags for the enqueue command.
type EnqueueFlags struct {
	InstanceID      int64
	ReleaseID       int64
	Username        string
	FolderID        int64
	Rating          int
	Notes           string
	NotesFieldID    int64
	MediaCondition  string
	SleeveCondition string
	Action          string
}

// RunJobFlags holds flags for the run-job command.
type RunJobFlags struct {
	JobID       string
	ProgressDir string
	OutputPath  string
	WorkDir     string
}

// RetryFlags holds flags for the retry command.
type RetryFlags struct {
	JobID int64
	All   bool
}

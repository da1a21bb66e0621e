package publish

import "fmt"

// Stage is a step of a publish run
type Stage int

const (
	StageInit Stage = iota
	StageWorkingFolderReady
	StageLinked
	StageContentCopied
	StageStaged
	StageCommitted
	StageFailed
)

var stageNames = map[Stage]string{
	StageInit:               "init",
	StageWorkingFolderReady: "working-folder-ready",
	StageLinked:             "linked",
	StageContentCopied:      "content-copied",
	StageStaged:             "staged",
	StageCommitted:          "committed",
	StageFailed:             "failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Request describes one publish run
type Request struct {
	WorkingFolder string
	ContentFolder string
	Extensions    []string // case-insensitive suffixes, empty means all files
	CommitMessage string
	SCMType       string
	SCMURL        string
}

// Result reports how far a run got
type Result struct {
	Stage       Stage
	FilesCopied int
	Skipped     bool
}

// Error wraps the failure of one step with the stage reached before it and
// the path or URL it operated on.
type Error struct {
	Stage  Stage
	Op     string
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

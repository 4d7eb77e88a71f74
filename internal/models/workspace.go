package models

import "time"

// Workspace groups sessions that share a folder and setup script.
type Workspace struct {
	ID           string
	Name         string
	Folder       string
	ScriptPath   string
	OriginBranch string
	CreatedAt    time.Time
}

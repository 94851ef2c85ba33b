package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectRemote        = "remote.v1"
	SubjectWorktreeEvent = "remote.worktree"
	DefaultService       = "remote-server"
)

// BuildWorktreeSubject builds the granular subject for a worktree lifecycle action.
func BuildWorktreeSubject(action, service string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectWorktreeEvent, action, safeToken(service))
}

// BuildPeerInbox builds the subject a peer receives its frames on.
func BuildPeerInbox(subject, peerID string) string {
	return fmt.Sprintf("%s.peer.%s", subject, safeToken(peerID))
}

// BuildServiceSubject builds the request subject for a named remote server.
func BuildServiceSubject(service string, major int) string {
	return fmt.Sprintf("remote.%s.v%d", safeToken(service), major)
}

// safeToken keeps a value inside one subject token.
func safeToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// Package proto defines the envelope exchanged with remote peers and the closed set of
// message kinds it can carry.
package proto

import "fmt"

// Kind identifies the shape of an envelope payload. The set is closed: every payload type in
// this package reports exactly one Kind, and the codecs only construct payloads for kinds listed
// here.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindError
	KindAck
	KindPing
	KindWriteFile
	KindStat
	KindStatResponse
	KindCanonicalize
	KindReadLink
	KindPathResponse
	KindReadDir
	KindReadDirResponse
	KindReadFile
	KindReadFileResponse
	KindAddWorktree
	KindAddWorktreeResponse
	KindUpdateWorktree
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindError:               "error",
	KindAck:                 "ack",
	KindPing:                "ping",
	KindWriteFile:           "write_file",
	KindStat:                "stat",
	KindStatResponse:        "stat_response",
	KindCanonicalize:        "canonicalize",
	KindReadLink:            "read_link",
	KindPathResponse:        "path_response",
	KindReadDir:             "read_dir",
	KindReadDirResponse:     "read_dir_response",
	KindReadFile:            "read_file",
	KindReadFileResponse:    "read_file_response",
	KindAddWorktree:         "add_worktree",
	KindAddWorktreeResponse: "add_worktree_response",
	KindUpdateWorktree:      "update_worktree",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a wire name back to its Kind. Unrecognized names yield KindUnknown and false.
func ParseKind(name string) (Kind, bool) {
	k, ok := kindsByName[name]
	if !ok || k == KindUnknown {
		return KindUnknown, false
	}
	return k, true
}

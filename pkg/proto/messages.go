package proto

// Payload is implemented by every message that can ride in an Envelope.
type Payload interface {
	Kind() Kind
}

// RequestMessage is satisfied by a request payload whose declared response is R. Each request
// type pairs with exactly one response type, so a handler constrained by RequestMessage[R] can
// only ever answer with an R.
type RequestMessage[R Payload] interface {
	Payload
	respondsWith(R)
}

// Ping is a no-op health check.
type Ping struct{}

// Ack is the empty acknowledgment.
type Ack struct{}

// LineEnding selects the line terminator a WriteFile persists with.
type LineEnding int32

const (
	LineEndingUnix    LineEnding = 0
	LineEndingWindows LineEnding = 1
)

// WriteFile persists Content at Path.
type WriteFile struct {
	Path       string     `json:"path" msgpack:"path"`
	Content    string     `json:"content" msgpack:"content"`
	LineEnding LineEnding `json:"line_ending" msgpack:"line_ending"`
}

// Stat asks for the metadata of Path.
type Stat struct {
	Path string `json:"path" msgpack:"path"`
}

// StatResponse carries file metadata. Mtime is in milliseconds since the Unix epoch.
type StatResponse struct {
	IsDir     bool   `json:"is_dir" msgpack:"is_dir"`
	IsSymlink bool   `json:"is_symlink" msgpack:"is_symlink"`
	Mtime     uint64 `json:"mtime" msgpack:"mtime"`
	Inode     uint64 `json:"inode" msgpack:"inode"`
}

// Canonicalize resolves Path to an absolute canonical path.
type Canonicalize struct {
	Path string `json:"path" msgpack:"path"`
}

// ReadLink resolves the target of the symlink at Path.
type ReadLink struct {
	Path string `json:"path" msgpack:"path"`
}

// PathResponse answers Canonicalize and ReadLink.
type PathResponse struct {
	Path string `json:"path" msgpack:"path"`
}

// ReadDir lists the entries of the directory at Path.
type ReadDir struct {
	Path string `json:"path" msgpack:"path"`
}

// ReadDirResponse holds the full paths of every entry.
type ReadDirResponse struct {
	Paths []string `json:"paths" msgpack:"paths"`
}

// ReadFile loads the content at Path.
type ReadFile struct {
	Path string `json:"path" msgpack:"path"`
}

// ReadFileResponse holds file content.
type ReadFileResponse struct {
	Content string `json:"content" msgpack:"content"`
}

// AddWorktree opens a worktree rooted at Path and subscribes the caller to its updates.
type AddWorktree struct {
	Path string `json:"path" msgpack:"path"`
}

// AddWorktreeResponse carries the id of the new worktree.
type AddWorktreeResponse struct {
	WorktreeID uint64 `json:"worktree_id" msgpack:"worktree_id"`
}

// Entry describes one file or directory inside a worktree. Path is slash-separated and
// relative to the worktree root; the root itself has an empty path.
type Entry struct {
	ID        uint64 `json:"id" msgpack:"id"`
	Path      string `json:"path" msgpack:"path"`
	IsDir     bool   `json:"is_dir" msgpack:"is_dir"`
	IsSymlink bool   `json:"is_symlink" msgpack:"is_symlink"`
	Mtime     uint64 `json:"mtime" msgpack:"mtime"`
	Inode     uint64 `json:"inode" msgpack:"inode"`
	Size      uint64 `json:"size" msgpack:"size"`
}

// UpdateWorktree is pushed without a responding_to id whenever a subscribed worktree changes.
type UpdateWorktree struct {
	WorktreeID     uint64   `json:"worktree_id" msgpack:"worktree_id"`
	RootName       string   `json:"root_name" msgpack:"root_name"`
	AbsPath        string   `json:"abs_path" msgpack:"abs_path"`
	UpdatedEntries []Entry  `json:"updated_entries" msgpack:"updated_entries"`
	RemovedEntries []uint64 `json:"removed_entries" msgpack:"removed_entries"`
	ScanID         uint64   `json:"scan_id" msgpack:"scan_id"`
	IsLastUpdate   bool     `json:"is_last_update" msgpack:"is_last_update"`
}

// Error is the terminal frame for a failed request.
type Error struct {
	Code    int32    `json:"code" msgpack:"code"`
	Tags    []string `json:"tags,omitempty" msgpack:"tags,omitempty"`
	Message string   `json:"message" msgpack:"message"`
}

func (e Error) Error() string { return e.Message }

// Unrecognized stands in for a payload whose kind name this build does not know. It has no
// handler, so dispatch answers it as an unhandled request type.
type Unrecognized struct {
	Name string
}

func (Ping) Kind() Kind                { return KindPing }
func (Ack) Kind() Kind                 { return KindAck }
func (WriteFile) Kind() Kind           { return KindWriteFile }
func (Stat) Kind() Kind                { return KindStat }
func (StatResponse) Kind() Kind        { return KindStatResponse }
func (Canonicalize) Kind() Kind        { return KindCanonicalize }
func (ReadLink) Kind() Kind            { return KindReadLink }
func (PathResponse) Kind() Kind        { return KindPathResponse }
func (ReadDir) Kind() Kind             { return KindReadDir }
func (ReadDirResponse) Kind() Kind     { return KindReadDirResponse }
func (ReadFile) Kind() Kind            { return KindReadFile }
func (ReadFileResponse) Kind() Kind    { return KindReadFileResponse }
func (AddWorktree) Kind() Kind         { return KindAddWorktree }
func (AddWorktreeResponse) Kind() Kind { return KindAddWorktreeResponse }
func (UpdateWorktree) Kind() Kind      { return KindUpdateWorktree }
func (Error) Kind() Kind               { return KindError }
func (Unrecognized) Kind() Kind        { return KindUnknown }

// Request/response pairing.
func (Ping) respondsWith(Ack)                         {}
func (WriteFile) respondsWith(Ack)                    {}
func (Stat) respondsWith(StatResponse)                {}
func (Canonicalize) respondsWith(PathResponse)        {}
func (ReadLink) respondsWith(PathResponse)            {}
func (ReadDir) respondsWith(ReadDirResponse)          {}
func (ReadFile) respondsWith(ReadFileResponse)        {}
func (AddWorktree) respondsWith(AddWorktreeResponse) {}

// Package model defines the core domain types for eventfold.
//
// Eventfold keeps a shared, append-only history of file changes between one
// data owner and any number of remote submitters:
//
//   - Submitters build a ProposedChange anchored on the last head they know
//     of and drop it in the owner's inbox.
//
//   - The owner accepts proposals into a causal DAG of Events. Concurrent
//     proposals fork the DAG; the owner immediately synthesizes merge events
//     so the DAG converges back to a single head.
//
//   - Checkpoints and the rolling state let a restarted owner rebuild its
//     materialized file state without replaying the whole log.
package model

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ProposedChange is a submitter's request to set Path to Content.
// OldHash is the hash the submitter believed Path had at ParentID; the empty
// string means the file did not exist.
type ProposedChange struct {
	ID                 string    `json:"id"`
	Path               string    `json:"path"`
	Content            []byte    `json:"content"`
	OldHash            string    `json:"old_hash"`
	NewHash            string    `json:"new_hash"`
	ParentID           string    `json:"parent_id"`
	SubmittedTimestamp time.Time `json:"submitted_timestamp"`
}

// Event is an accepted change. Events are immutable once inserted into the
// DAG. ParentIDs holds more than one entry only for merge events; the root
// has none. An event with an empty Path changes no file.
type Event struct {
	ID                 string    `json:"id"`
	Path               string    `json:"path,omitempty"`
	Content            []byte    `json:"content,omitempty"`
	OldHash            string    `json:"old_hash,omitempty"`
	NewHash            string    `json:"new_hash,omitempty"`
	SubmittedTimestamp time.Time `json:"submitted_timestamp"`
	EventTimestamp     time.Time `json:"event_timestamp"`
	ParentIDs          []string  `json:"parent_ids"`
	IsRoot             bool      `json:"is_root,omitempty"`
	IsMerge            bool      `json:"is_merge,omitempty"`
}

// NoOp reports whether the event leaves every file untouched.
func (e Event) NoOp() bool { return e.Path == "" }

// Clone returns a deep copy so callers cannot alias DAG-owned slices.
func (e Event) Clone() Event {
	c := e
	if e.Content != nil {
		c.Content = append([]byte(nil), e.Content...)
	}
	c.ParentIDs = append([]string(nil), e.ParentIDs...)
	return c
}

// EventFromProposal builds the event for an accepted proposal.
func EventFromProposal(p ProposedChange, ts time.Time, parents ...string) Event {
	return Event{
		ID:                 p.ID,
		Path:               p.Path,
		Content:            append([]byte(nil), p.Content...),
		OldHash:            p.OldHash,
		NewHash:            p.NewHash,
		SubmittedTimestamp: p.SubmittedTimestamp,
		EventTimestamp:     ts,
		ParentIDs:          append([]string(nil), parents...),
	}
}

// FileState is the materialized content of one path.
type FileState struct {
	Content []byte `json:"content"`
	Hash    string `json:"hash"`
}

// NewFileState hashes content.
func NewFileState(content []byte) FileState {
	return FileState{Content: append([]byte(nil), content...), Hash: HashContent(content)}
}

// Valid reports whether Hash matches Content.
func (f FileState) Valid() bool {
	return f.Hash == HashContent(f.Content)
}

// FullCheckpoint is a total materialized snapshot as of HeadID.
type FullCheckpoint struct {
	Owner              string               `json:"owner"`
	Files              map[string]FileState `json:"files"`
	HeadID             string               `json:"head_id"`
	LastEventTimestamp time.Time            `json:"last_event_timestamp"`
	CreatedAt          time.Time            `json:"created_at"`
}

// IncrementalCheckpoint holds only the paths changed since the previous
// checkpoint. SequenceNo starts at 1 after every full checkpoint.
type IncrementalCheckpoint struct {
	Owner              string               `json:"owner"`
	Files              map[string]FileState `json:"files"`
	HeadID             string               `json:"head_id"`
	LastEventTimestamp time.Time            `json:"last_event_timestamp"`
	CreatedAt          time.Time            `json:"created_at"`
	SequenceNo         int64                `json:"sequence_no"`
}

// RollingState buffers accepted events not yet folded into a checkpoint.
type RollingState struct {
	Owner      string    `json:"owner"`
	Events     []Event   `json:"events"`
	EventCount int       `json:"event_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HashContent returns the hex BLAKE2b-256 digest of content.
func HashContent(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// CopyFiles returns a deep copy of a file map.
func CopyFiles(files map[string]FileState) map[string]FileState {
	out := make(map[string]FileState, len(files))
	for p, f := range files {
		out[p] = FileState{Content: append([]byte(nil), f.Content...), Hash: f.Hash}
	}
	return out
}

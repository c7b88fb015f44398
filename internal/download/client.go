// Package download talks to the aria2 download daemon and reconciles its
// transient job lists into a live view and a durable history.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrRPC matches every error returned by the aria2 client.
var ErrRPC = errors.New("aria2 rpc failed")

// RPCError describes a failed JSON-RPC call. Code and Message are set when
// the daemon answered with an error object; Err holds transport failures.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Err     error
}

func (e *RPCError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("aria2 %s: %v", e.Method, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("aria2 %s: code %d: %s", e.Method, e.Code, e.Message)
	default:
		return fmt.Sprintf("aria2 %s: %s", e.Method, e.Message)
	}
}

// Unwrap returns the underlying transport error, if any.
func (e *RPCError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrRPC.
func (e *RPCError) Is(target error) bool {
	return target == ErrRPC
}

// Status is the aria2 state of a job.
type Status string

// aria2 job states.
const (
	StatusActive   Status = "active"
	StatusWaiting  Status = "waiting"
	StatusPaused   Status = "paused"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusRemoved  Status = "removed"
)

// InProgress reports whether a job in this state belongs in the live view.
func (s Status) InProgress() bool {
	return s == StatusActive || s == StatusWaiting || s == StatusPaused
}

// Int64 decodes aria2 numbers, which arrive as decimal strings.
type Int64 int64

// UnmarshalJSON accepts both quoted and bare numbers. Empty strings decode to zero.
func (n *Int64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*n = Int64(v)
	return nil
}

// File is one file of an aria2 job.
type File struct {
	Index           Int64  `json:"index"`
	Path            string `json:"path"`
	Length          Int64  `json:"length"`
	CompletedLength Int64  `json:"completedLength"`
	Selected        string `json:"selected"`
}

// BitTorrent carries the torrent metadata aria2 exposes.
type BitTorrent struct {
	Info struct {
		Name string `json:"name"`
	} `json:"info"`
}

// Job is one entry of an aria2 tell* list. Name and IsMetadata are derived
// locally by Enrich.
type Job struct {
	GID             string      `json:"gid"`
	Status          Status      `json:"status"`
	TotalLength     Int64       `json:"totalLength"`
	CompletedLength Int64       `json:"completedLength"`
	DownloadSpeed   Int64       `json:"downloadSpeed"`
	Files           []File      `json:"files,omitempty"`
	BitTorrent      *BitTorrent `json:"bittorrent,omitempty"`

	Name       string `json:"name"`
	IsMetadata bool   `json:"isMetadata"`
}

// Enrich fills in the display name and the metadata-phase flag.
func (j *Job) Enrich() {
	j.Name = InferName(j.Files, j.BitTorrent)
	j.IsMetadata = j.TotalLength == 0
}

// jobKeys is the field list requested from every tell* call.
//
//nolint:gochecknoglobals // fixed aria2 key list
var jobKeys = []string{"gid", "status", "totalLength", "completedLength", "downloadSpeed", "files", "bittorrent"}

// DefaultListLimit is the number of waiting or stopped entries fetched per call.
const DefaultListLimit = 100

// Client is the subset of the aria2 RPC surface used by the reconciler.
type Client interface {
	TellActive(ctx context.Context) ([]Job, error)
	TellWaiting(ctx context.Context, offset, num int) ([]Job, error)
	TellStopped(ctx context.Context, offset, num int) ([]Job, error)
	// AddURI queues uri for download into dir and returns the new gid.
	AddURI(ctx context.Context, uri, dir string) (string, error)
	Remove(ctx context.Context, gid string) error
	RemoveDownloadResult(ctx context.Context, gid string) error
}

func decodeJobs(method string, raw json.RawMessage) ([]Job, error) {
	var jobs []Job
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, &RPCError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return jobs, nil
}

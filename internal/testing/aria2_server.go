package testing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// FakeAria2File is a file of a fake aria2 job.
type FakeAria2File struct {
	Path            string
	Length          int64
	CompletedLength int64
}

// FakeAria2Job is a job held by the fake aria2 server.
type FakeAria2Job struct {
	GID             string
	Status          string // active, waiting, paused, complete, error, removed
	TotalLength     int64
	CompletedLength int64
	DownloadSpeed   int64
	Files           []FakeAria2File
	TorrentName     string
	Dir             string
	URIs            []string
}

// Aria2Call records one JSON-RPC request received by the fake server.
type Aria2Call struct {
	Method string
	Params []json.RawMessage
}

// Aria2Server is a mock aria2 JSON-RPC server for testing.
type Aria2Server struct {
	*httptest.Server

	mu      sync.Mutex
	secret  string
	jobs    []*FakeAria2Job
	calls   []Aria2Call
	failing map[string]int // method -> remaining failures (-1 = always)
	nextGID int
}

// NewAria2Server creates a new mock aria2 server. When secret is non-empty,
// every call must carry "token:<secret>" as its first parameter.
func NewAria2Server(secret string) *Aria2Server {
	s := &Aria2Server{
		secret:  secret,
		failing: make(map[string]int),
		nextGID: 1,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /jsonrpc", s.handleRPC)

	s.Server = httptest.NewServer(mux)
	return s
}

// RPCURL returns the JSON-RPC endpoint.
func (s *Aria2Server) RPCURL() string {
	return s.URL + "/jsonrpc"
}

// AddJob adds a job to the server.
func (s *Aria2Server) AddJob(job *FakeAria2Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = append(s.jobs, job)
}

// SetStatus changes a job's status. Completing a job also fills its lengths.
func (s *Aria2Server) SetStatus(gid, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.GID != gid {
			continue
		}
		j.Status = status
		if status == "complete" {
			j.CompletedLength = j.TotalLength
			for i := range j.Files {
				j.Files[i].CompletedLength = j.Files[i].Length
			}
		}
	}
}

// Job returns a copy of the job with gid, or nil if the daemon forgot it.
func (s *Aria2Server) Job(gid string) *FakeAria2Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.GID == gid {
			cp := *j
			return &cp
		}
	}
	return nil
}

// FailMethod makes the next n calls of method return an RPC error.
// A negative n fails every call until Reset.
func (s *Aria2Server) FailMethod(method string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failing[method] = n
}

// Calls returns all recorded calls.
func (s *Aria2Server) Calls() []Aria2Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Aria2Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was called.
func (s *Aria2Server) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all jobs, calls and failures.
func (s *Aria2Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = nil
	s.calls = nil
	s.failing = make(map[string]int)
}

type aria2Request struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type aria2APIFile struct {
	Index           string `json:"index"`
	Path            string `json:"path"`
	Length          string `json:"length"`
	CompletedLength string `json:"completedLength"`
	Selected        string `json:"selected"`
}

type aria2APIJob struct {
	GID             string         `json:"gid"`
	Status          string         `json:"status"`
	TotalLength     string         `json:"totalLength"`
	CompletedLength string         `json:"completedLength"`
	DownloadSpeed   string         `json:"downloadSpeed"`
	Files           []aria2APIFile `json:"files"`
	BitTorrent      map[string]any `json:"bittorrent,omitempty"`
}

func (s *Aria2Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req aria2Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAria2Error(w, "", -32700, "Parse error.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	params := req.Params
	if s.secret != "" {
		var token string
		if len(params) > 0 {
			_ = json.Unmarshal(params[0], &token)
		}
		if token != "token:"+s.secret {
			writeAria2Error(w, req.ID, 1, "Unauthorized")
			return
		}
		params = params[1:]
	}

	s.calls = append(s.calls, Aria2Call{Method: req.Method, Params: params})

	if n, ok := s.failing[req.Method]; ok && n != 0 {
		if n > 0 {
			s.failing[req.Method] = n - 1
		}
		writeAria2Error(w, req.ID, 1, "injected failure")
		return
	}

	switch req.Method {
	case "aria2.tellActive":
		writeAria2Result(w, req.ID, s.list("active"))
	case "aria2.tellWaiting":
		writeAria2Result(w, req.ID, s.list("waiting", "paused"))
	case "aria2.tellStopped":
		writeAria2Result(w, req.ID, s.list("complete", "error", "removed"))
	case "aria2.addUri":
		s.addURI(w, req.ID, params)
	case "aria2.remove":
		s.remove(w, req.ID, params)
	case "aria2.removeDownloadResult":
		s.removeResult(w, req.ID, params)
	default:
		writeAria2Error(w, req.ID, 1, "No such method: "+req.Method)
	}
}

func (s *Aria2Server) list(statuses ...string) []aria2APIJob {
	want := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	out := []aria2APIJob{}
	for _, j := range s.jobs {
		if !want[j.Status] {
			continue
		}
		api := aria2APIJob{
			GID:             j.GID,
			Status:          j.Status,
			TotalLength:     strconv.FormatInt(j.TotalLength, 10),
			CompletedLength: strconv.FormatInt(j.CompletedLength, 10),
			DownloadSpeed:   strconv.FormatInt(j.DownloadSpeed, 10),
			Files:           []aria2APIFile{},
		}
		for i, f := range j.Files {
			api.Files = append(api.Files, aria2APIFile{
				Index:           strconv.Itoa(i + 1),
				Path:            f.Path,
				Length:          strconv.FormatInt(f.Length, 10),
				CompletedLength: strconv.FormatInt(f.CompletedLength, 10),
				Selected:        "true",
			})
		}
		if j.TorrentName != "" {
			api.BitTorrent = map[string]any{"info": map[string]any{"name": j.TorrentName}}
		}
		out = append(out, api)
	}
	return out
}

func (s *Aria2Server) addURI(w http.ResponseWriter, id string, params []json.RawMessage) {
	if len(params) < 1 {
		writeAria2Error(w, id, 1, "missing uris")
		return
	}

	var uris []string
	if err := json.Unmarshal(params[0], &uris); err != nil || len(uris) == 0 {
		writeAria2Error(w, id, 1, "invalid uris")
		return
	}

	var opts map[string]string
	if len(params) > 1 {
		_ = json.Unmarshal(params[1], &opts)
	}

	gid := fmt.Sprintf("%016x", s.nextGID)
	s.nextGID++

	s.jobs = append(s.jobs, &FakeAria2Job{
		GID:    gid,
		Status: "waiting",
		Dir:    opts["dir"],
		URIs:   uris,
	})

	writeAria2Result(w, id, gid)
}

func gidParam(params []json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var gid string
	_ = json.Unmarshal(params[0], &gid)
	return gid
}

func (s *Aria2Server) remove(w http.ResponseWriter, id string, params []json.RawMessage) {
	gid := gidParam(params)
	for _, j := range s.jobs {
		if j.GID != gid {
			continue
		}
		switch j.Status {
		case "active", "waiting", "paused":
			j.Status = "removed"
			writeAria2Result(w, id, gid)
		default:
			writeAria2Error(w, id, 1, "Active Download not found for GID#"+gid)
		}
		return
	}
	writeAria2Error(w, id, 1, "Active Download not found for GID#"+gid)
}

func (s *Aria2Server) removeResult(w http.ResponseWriter, id string, params []json.RawMessage) {
	gid := gidParam(params)
	for i, j := range s.jobs {
		if j.GID != gid {
			continue
		}
		switch j.Status {
		case "complete", "error", "removed":
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			writeAria2Result(w, id, "OK")
		default:
			writeAria2Error(w, id, 1, "Could not remove download result of GID#"+gid)
		}
		return
	}
	writeAria2Error(w, id, 1, "Could not remove download result of GID#"+gid)
}

func writeAria2Result(w http.ResponseWriter, id string, result any) {
	w.Header().Set("Content-Type", "application/json-rpc")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeAria2Error(w http.ResponseWriter, id string, code int, msg string) {
	w.Header().Set("Content-Type", "application/json-rpc")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": msg},
	})
}

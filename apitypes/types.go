// Package apitypes provides API request and response types for the Koala Cloud HTTP API.
package apitypes

// Response is the envelope every successful JSON response embeds.
type Response struct {
	OK bool `json:"ok"`
}

// Success returns a Response with OK set.
func Success() Response {
	return Response{OK: true}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthStatus reports the session of the caller.
type AuthStatus struct {
	Response

	LoggedIn bool   `json:"logged_in"`
	User     string `json:"user,omitempty"`
}

// PathRequest carries a single root-relative path.
type PathRequest struct {
	Path string `json:"path"`
}

// MkdirRequest creates Name inside Parent.
type MkdirRequest struct {
	Parent string `json:"parent"`
	Name   string `json:"name"`
}

// MkdirResponse reports the created directory.
type MkdirResponse struct {
	Response

	Path string `json:"path"`
}

// TransferRequest is the body of move and copy.
type TransferRequest struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// TransferResponse reports where a moved or copied entry ended up.
type TransferResponse struct {
	Response

	Path string `json:"path"`
}

// UploadResponse reports where an upload was saved.
type UploadResponse struct {
	Response

	SavedAs string `json:"saved_as"`
}

// ShareRequest is the body of POST /api/share.
type ShareRequest struct {
	Path         string  `json:"path"`
	ExpiresHours float64 `json:"expires_hours"`
}

// ShareResponse carries a newly issued share link.
type ShareResponse struct {
	Response

	Token     string `json:"token"`
	URL       string `json:"url"`
	ExpiresAt *int64 `json:"expires_at"`
}

// TorrentAddRequest submits a link to the download daemon.
type TorrentAddRequest struct {
	Link string `json:"link"`
	Dest string `json:"dest"`
}

// TorrentAddResponse reports the id the daemon assigned.
type TorrentAddResponse struct {
	Response

	GID  string `json:"gid"`
	Dest string `json:"dest"`
}

// GIDRequest names a download by its daemon id.
type GIDRequest struct {
	GID string `json:"gid"`
}

// IDRequest names a history record.
type IDRequest struct {
	ID *int64 `json:"id"`
}

// HistoryItem is one completed download.
type HistoryItem struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	GID         string `json:"gid"`
	Dest        string `json:"dest"`
	SizeBytes   int64  `json:"size_bytes"`
	AddedAt     int64  `json:"added_at"`
	CompletedAt *int64 `json:"completed_at"`
}

// HistoryResponse lists completed downloads, newest first.
type HistoryResponse struct {
	Response

	History []HistoryItem `json:"history"`
}

// MediaAddRequest submits a local extraction job.
type MediaAddRequest struct {
	Link      string `json:"link"`
	Dest      string `json:"dest"`
	AudioOnly bool   `json:"audio_only"`
}

// MediaAddResponse identifies the started job.
type MediaAddResponse struct {
	Response

	TaskID string `json:"task_id"`
	JobID  string `json:"job_id"`
}

// TaskRequest names a running media task.
type TaskRequest struct {
	TaskID string `json:"task_id"`
}

// MediaJobItem is one persisted media job record.
type MediaJobItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Dest        string `json:"dest"`
	AudioOnly   bool   `json:"audio_only"`
	AddedAt     int64  `json:"added_at"`
	CompletedAt *int64 `json:"completed_at"`
}

// MediaHistoryResponse lists media job records, newest first.
type MediaHistoryResponse struct {
	Response

	History []MediaJobItem `json:"history"`
}

// ServicesResponse maps every service name to whether it is running.
type ServicesResponse struct {
	Response

	Services map[string]bool `json:"services"`
}

// ToggleRequest turns a service on or off.
type ToggleRequest struct {
	Service string `json:"service"`
	State   bool   `json:"state"`
}

// ToggleResponse reports a service's state after a toggle.
type ToggleResponse struct {
	Response

	Service string `json:"service"`
	Status  bool   `json:"status"`
}

// LogsResponse carries the tail of the log file.
type LogsResponse struct {
	Response

	Logs string `json:"logs"`
}

// ActivityItem is one recent lifecycle event.
type ActivityItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Subject   string `json:"subject,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// ActivityResponse lists recent activity, newest first.
type ActivityResponse struct {
	Response

	Activity []ActivityItem `json:"activity"`
}

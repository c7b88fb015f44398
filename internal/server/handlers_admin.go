package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/koalacloud/koalacloud/apitypes"
	"github.com/koalacloud/koalacloud/internal/download"
	"github.com/koalacloud/koalacloud/internal/files"
	"github.com/koalacloud/koalacloud/internal/media"
)

// defaultActivityLimit is how many activity entries are returned when no limit is given.
const defaultActivityLimit = 50

type progressResponse struct {
	apitypes.Response

	Progress []download.Job `json:"progress"`
}

type tasksResponse struct {
	apitypes.Response

	Tasks []media.Task `json:"tasks"`
}

type foldersResponse struct {
	apitypes.Response
	files.Folders

	RootAbs string `json:"root_abs"`
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}

// --- Downloads ---

func (s *HTTPServer) torrentAddHandler(c echo.Context) error {
	var req apitypes.TorrentAddRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Link) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing magnet link")
	}

	gid, dir, err := s.deps.Downloads.Submit(c.Request().Context(), req.Link, strings.TrimSpace(req.Dest))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, apitypes.TorrentAddResponse{Response: apitypes.Success(), GID: gid, Dest: dir})
}

func (s *HTTPServer) torrentRemoveHandler(c echo.Context) error {
	var req apitypes.GIDRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.GID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing gid")
	}

	if err := s.deps.Downloads.Remove(c.Request().Context(), strings.TrimSpace(req.GID)); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, apitypes.Success())
}

func (s *HTTPServer) torrentProgressHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, progressResponse{
		Response: apitypes.Success(),
		Progress: s.deps.Downloads.Snapshot(),
	})
}

func (s *HTTPServer) torrentHistoryHandler(c echo.Context) error {
	records, err := s.deps.History.List(c.Request().Context(), 0)
	if err != nil {
		return err
	}

	out := make([]apitypes.HistoryItem, 0, len(records))
	for _, r := range records {
		out = append(out, apitypes.HistoryItem{
			ID:          r.ID,
			Name:        r.Name,
			GID:         r.ExternalID,
			Dest:        r.Destination,
			SizeBytes:   r.SizeBytes,
			AddedAt:     r.AddedAt.Unix(),
			CompletedAt: unixPtr(r.CompletedAt),
		})
	}

	return c.JSON(http.StatusOK, apitypes.HistoryResponse{Response: apitypes.Success(), History: out})
}

func (s *HTTPServer) torrentHistoryDeleteHandler(c echo.Context) error {
	var req apitypes.IDRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.ID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing history id")
	}

	if err := s.deps.History.Delete(c.Request().Context(), *req.ID); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, apitypes.Success())
}

func (s *HTTPServer) torrentBrowseHandler(c echo.Context) error {
	folders, err := s.deps.DownloadFolders.Folders(pathParam(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, foldersResponse{
		Response: apitypes.Success(),
		Folders:  folders,
		RootAbs:  s.deps.DownloadFolders.Root().Path(),
	})
}

func (s *HTTPServer) torrentMkdirHandler(c echo.Context) error {
	var req apitypes.MkdirRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing folder name")
	}

	dir, err := s.deps.DownloadFolders.Mkdir(strings.TrimSpace(req.Parent), req.Name)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, apitypes.MkdirResponse{Response: apitypes.Success(), Path: dir})
}

// --- Media ---

func (s *HTTPServer) mediaAddHandler(c echo.Context) error {
	var req apitypes.MediaAddRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Link) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing link")
	}

	task, err := s.deps.Media.Submit(c.Request().Context(), media.Request{
		URL:       req.Link,
		DestRel:   strings.TrimSpace(req.Dest),
		AudioOnly: req.AudioOnly,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, apitypes.MediaAddResponse{
		Response: apitypes.Success(),
		TaskID:   task.ID,
		JobID:    task.JobID,
	})
}

func (s *HTTPServer) mediaTasksHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, tasksResponse{
		Response: apitypes.Success(),
		Tasks:    s.deps.Media.Snapshot(),
	})
}

func (s *HTTPServer) mediaCancelHandler(c echo.Context) error {
	var req apitypes.TaskRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.TaskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing task_id")
	}

	if err := s.deps.Media.Cancel(req.TaskID); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, apitypes.Success())
}

func (s *HTTPServer) mediaHistoryHandler(c echo.Context) error {
	jobs, err := s.deps.MediaJobs.List(c.Request().Context(), 0)
	if err != nil {
		return err
	}

	out := make([]apitypes.MediaJobItem, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, apitypes.MediaJobItem{
			ID:          j.ID,
			Name:        j.Name,
			URL:         j.SourceURL,
			Dest:        j.Destination,
			AudioOnly:   j.AudioOnly,
			AddedAt:     j.AddedAt.Unix(),
			CompletedAt: unixPtr(j.CompletedAt),
		})
	}

	return c.JSON(http.StatusOK, apitypes.MediaHistoryResponse{Response: apitypes.Success(), History: out})
}

// --- Services ---

func (s *HTTPServer) servicesListHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, apitypes.ServicesResponse{
		Response: apitypes.Success(),
		Services: s.deps.Services.Status(c.Request().Context()),
	})
}

func (s *HTTPServer) servicesToggleHandler(c echo.Context) error {
	var req apitypes.ToggleRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Service == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing service")
	}

	status, err := s.deps.Services.Toggle(c.Request().Context(), req.Service, req.State)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, apitypes.ToggleResponse{
		Response: apitypes.Success(),
		Service:  req.Service,
		Status:   status,
	})
}

// --- Observability ---

func (s *HTTPServer) logsHandler(c echo.Context) error {
	logs, err := tailFile(s.logFile, logTailLines)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apitypes.LogsResponse{Response: apitypes.Success(), Logs: logs})
}

func (s *HTTPServer) activityHandler(c echo.Context) error {
	limit := defaultActivityLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}

	entries := s.deps.Activity.Recent(limit)
	out := make([]apitypes.ActivityItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, apitypes.ActivityItem{
			ID:        e.ID,
			Type:      e.Type,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			Message:   e.Message,
			Subject:   e.Subject,
			Details:   e.Details,
		})
	}

	return c.JSON(http.StatusOK, apitypes.ActivityResponse{Response: apitypes.Success(), Activity: out})
}

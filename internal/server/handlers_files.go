package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/koalacloud/koalacloud/apitypes"
	"github.com/koalacloud/koalacloud/internal/files"
)

type listResponse struct {
	apitypes.Response
	files.Listing
}

type propertiesResponse struct {
	apitypes.Response
	files.Properties
}

func pathParam(c echo.Context) string {
	return strings.TrimSpace(c.QueryParam("path"))
}

func (s *HTTPServer) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, apitypes.HealthResponse{
		Status:  "ok",
		Version: s.version,
	})
}

func (s *HTTPServer) listHandler(c echo.Context) error {
	listing, err := s.deps.Files.List(pathParam(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, listResponse{Response: apitypes.Success(), Listing: listing})
}

func (s *HTTPServer) propertiesHandler(c echo.Context) error {
	props, err := s.deps.Files.Properties(pathParam(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, propertiesResponse{Response: apitypes.Success(), Properties: props})
}

func (s *HTTPServer) downloadHandler(c echo.Context) error {
	abs, err := s.deps.Files.OpenFile(pathParam(c))
	if err != nil {
		return err
	}
	return c.Attachment(abs, filepath.Base(abs))
}

func (s *HTTPServer) uploadHandler(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "No file part")
	}
	if fh.Filename == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "No selected file")
	}

	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	saved, err := s.deps.Files.Upload(pathParam(c), fh.Filename, src)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, apitypes.UploadResponse{Response: apitypes.Success(), SavedAs: saved})
}

func (s *HTTPServer) mkdirHandler(c echo.Context) error {
	var req apitypes.MkdirRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing name")
	}

	dir, err := s.deps.Files.Mkdir(strings.TrimSpace(req.Parent), req.Name)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, apitypes.MkdirResponse{Response: apitypes.Success(), Path: dir})
}

func (s *HTTPServer) deleteHandler(c echo.Context) error {
	var req apitypes.PathRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	if err := s.deps.Files.Delete(strings.TrimSpace(req.Path)); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, apitypes.Success())
}

func (s *HTTPServer) moveHandler(c echo.Context) error {
	return s.relocate(c, s.deps.Files.Move)
}

func (s *HTTPServer) copyHandler(c echo.Context) error {
	return s.relocate(c, s.deps.Files.Copy)
}

func (s *HTTPServer) relocate(
	c echo.Context,
	op func(ctx context.Context, src, dst string) (string, error),
) error {
	var req apitypes.TransferRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Src) == "" || strings.TrimSpace(req.Dst) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "src and dst are required")
	}

	out, err := op(c.Request().Context(), strings.TrimSpace(req.Src), strings.TrimSpace(req.Dst))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, apitypes.TransferResponse{Response: apitypes.Success(), Path: out})
}

func (s *HTTPServer) issueShareHandler(c echo.Context) error {
	var req apitypes.ShareRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.ExpiresHours < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "expires_hours must not be negative")
	}

	target, err := s.deps.Files.Root().Resolve(strings.TrimSpace(req.Path))
	if err != nil {
		return err
	}
	info, err := os.Stat(target)
	if err != nil {
		return files.ErrNotFound
	}

	link, err := s.deps.Shares.Issue(c.Request().Context(), target, info.IsDir(), req.ExpiresHours)
	if err != nil {
		return err
	}

	resp := apitypes.ShareResponse{
		Response: apitypes.Success(),
		Token:    link.Token,
		URL:      link.URL(),
	}
	if link.ExpiresAt != nil {
		at := link.ExpiresAt.Unix()
		resp.ExpiresAt = &at
	}

	return c.JSON(http.StatusOK, resp)
}

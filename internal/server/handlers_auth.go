package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/koalacloud/koalacloud/apitypes"
	"github.com/koalacloud/koalacloud/internal/auth"
)

func (s *HTTPServer) loginHandler(c echo.Context) error {
	var req apitypes.LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing credentials")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing credentials")
	}

	token, err := s.deps.Auth.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.logger.Warn().Str("user", req.Username).Str("ip", c.RealIP()).Msg("failed login")
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid credentials")
	}
	if err != nil {
		return err
	}

	s.deps.Auth.SetCookie(c, token)
	return c.JSON(http.StatusOK, apitypes.Success())
}

func (s *HTTPServer) logoutHandler(c echo.Context) error {
	if token := auth.Token(c); token != "" {
		s.deps.Auth.Logout(token)
	}
	s.deps.Auth.ClearCookie(c)
	return c.JSON(http.StatusOK, apitypes.Success())
}

func (s *HTTPServer) authStatusHandler(c echo.Context) error {
	user, ok := s.deps.Auth.User(c)
	return c.JSON(http.StatusOK, apitypes.AuthStatus{
		Response: apitypes.Success(),
		LoggedIn: ok,
		User:     user,
	})
}

package server

import (
	"net/http"
	"path"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/wardlink/wardlink/internal/protocol"
)

func (s *Server) handleHistory(store MessageStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		room := c.Param("room")
		if !s.hub.roomAllowed(room) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown room")
		}

		msgs, err := store.History(c.Request().Context(), room)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "history unavailable")
		}
		if msgs == nil {
			msgs = []protocol.Message{}
		}
		return c.JSON(http.StatusOK, msgs)
	}
}

// handleUpload stores one multipart file and returns its attachment
// reference. Stored names are server-assigned so client paths never leak
// into storage.
func (s *Server) handleUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file field")
	}

	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable file")
	}
	defer src.Close()

	name := uuid.NewString() + path.Ext(file.Filename)
	size, err := s.files.Save(c.Request().Context(), name, src)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "store failed")
	}

	mime := file.Header.Get("Content-Type")
	return c.JSON(http.StatusOK, protocol.Attachment{
		URL:       s.cfg.BaseURL + "/api/uploads/" + name,
		Name:      file.Filename,
		SizeBytes: size,
		Mime:      mime,
		Kind:      protocol.KindForMime(mime),
	})
}

func (s *Server) handleDownload(c echo.Context) error {
	name := c.Param("name")
	if name != path.Base(name) {
		return echo.NewHTTPError(http.StatusBadRequest, "bad name")
	}

	reader, err := s.files.Get(c.Request().Context(), name)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	defer reader.Close()

	return c.Stream(http.StatusOK, "application/octet-stream", reader)
}

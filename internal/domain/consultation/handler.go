package consultation

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/internal/platform/nlp"
	"github.com/telemed/telemed/internal/platform/transcribe"
	"github.com/telemed/telemed/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.ReadRoles...))
	read.GET("/sessions", h.ListSessions)
	read.POST("/extract/preview", h.Preview)

	readSession := read.Group("/sessions/:id", SessionMiddleware())
	readSession.GET("", h.GetConsultation)
	readSession.GET("/summary", h.GetSummary)
	readSession.GET("/transcript", h.GetTranscript)
	readSession.GET("/export", h.Export)

	write := api.Group("", auth.RequireRole(auth.WriteRoles...))
	write.POST("/sessions", h.CreateSession)

	writeSession := write.Group("/sessions/:id", SessionMiddleware())
	writeSession.PUT("/transcript", h.PutTranscript)
	writeSession.POST("/audio", h.UploadAudio)
	writeSession.POST("/extract", h.Extract)
	writeSession.POST("/review", h.Review)
}

type transcriptRequest struct {
	Text    string `json:"text"`
	Extract *bool  `json:"extract"`
}

func (r transcriptRequest) extract() bool {
	return r.Extract == nil || *r.Extract
}

type transcriptResponse struct {
	Transcript   *Transcript   `json:"transcript"`
	Consultation *Consultation `json:"consultation,omitempty"`
}

type previewRequest struct {
	Text string `json:"text"`
}

func (h *Handler) ListSessions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSessions(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if link := pg.LinkHeader(c.Request().URL.Path, total); link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CreateSession(c echo.Context) error {
	var req transcriptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, cons, err := h.svc.CreateSession(c.Request().Context(), req.Text, req.extract())
	if err != nil {
		return transcriptError(t, err)
	}
	c.Response().Header().Set("Location", "/api/v1/sessions/"+t.SessionID)
	return c.JSON(http.StatusCreated, transcriptResponse{Transcript: t, Consultation: cons})
}

func (h *Handler) GetConsultation(c echo.Context) error {
	sc, err := session(c)
	if err != nil {
		return err
	}
	cons, err := h.svc.GetConsultation(c.Request().Context(), sc.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) GetSummary(c echo.Context) error {
	sc, err := session(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.GetSummary(c.Request().Context(), sc.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

// GetTranscript returns the transcript as JSON, or as a plain text download
// when ?format=text is given.
func (h *Handler) GetTranscript(c echo.Context) error {
	sc, err := session(c)
	if err != nil {
		return err
	}
	t, err := h.svc.GetTranscript(c.Request().Context(), sc.ID)
	if err != nil {
		return httpError(err)
	}
	if c.QueryParam("format") == "text" {
		c.Response().Header().Set(echo.HeaderContentDisposition, attachment("transcript_"+sc.ID+".txt"))
		return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, []byte(t.Text))
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) PutTranscript(c echo.Context) error {
	sc, err := session(c)
	if err != nil {
		return err
	}
	var req transcriptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, cons, err := h.svc.SubmitTranscript(c.Request().Context(), sc.ID, req.Text, SourceManual, req.extract())
	if err != nil {
		return transcriptError(t, err)
	}
	return c.JSON(http.StatusOK, transcriptResponse{Transcript: t, Consultation: cons})
}

// UploadAudio accepts a multipart "file" field and transcribes it.
func (h *Handler) UploadAudio(c echo.Context) error {
	sc, err := session(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "audio file is required")
	}
	extract := true
	if v := c.FormValue("extract"); v != "" {
		if extract, err = strconv.ParseBool(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "extract must be a boolean")
		}
	}

	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read audio file")
	}
	defer f.Close()

	t, cons, err := h.svc.TranscribeAudio(c.Request().Context(), sc.ID, fh.Filename, f, extract)
	if err != nil {
		return transcriptError(t, err)
	}
	return c.JSON(http.StatusOK, transcriptResponse{Transcript: t, Consultation: cons})
}

func (h *Handler) Extract(c echo.Context) error {
	sc, err := session(c)
	if err != nil {
		return err
	}
	cons, err := h.svc.Extract(c.Request().Context(), sc.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) Review(c echo.Context) error {
	sc, err := session(c)
	if err != nil {
		return err
	}
	if sc.UserID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "reviewer identity required")
	}
	cons, err := h.svc.Review(c.Request().Context(), sc.ID, sc.UserID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

// Export returns the consultation as a JSON file download.
func (h *Handler) Export(c echo.Context) error {
	sc, err := session(c)
	if err != nil {
		return err
	}
	cons, err := h.svc.GetConsultation(c.Request().Context(), sc.ID)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, attachment("consultation_"+sc.ID+".json"))
	return c.JSONPretty(http.StatusOK, cons, "  ")
}

func (h *Handler) Preview(c echo.Context) error {
	var req previewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.Preview(c.Request().Context(), req.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// session returns the SessionContext set by SessionMiddleware, building one
// from the route parameter when the middleware did not run.
func session(c echo.Context) (*SessionContext, error) {
	if sc := SessionFromContext(c); sc != nil {
		return sc, nil
	}
	id := c.Param("id")
	if err := ValidateSessionID(id); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	return &SessionContext{ID: id, UserID: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}, nil
}

func attachment(filename string) string {
	return fmt.Sprintf("attachment; filename=%q", filename)
}

// transcriptError reports extraction failures after a transcript was stored
// with the stored transcript id so the client can retry extraction alone.
func transcriptError(t *Transcript, err error) error {
	he := httpError(err)
	if t != nil {
		if e, ok := he.(*echo.HTTPError); ok {
			e.Message = map[string]string{"error": fmt.Sprint(e.Message), "session_id": t.SessionID}
		}
	}
	return he
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTranscriptNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidSessionID), errors.Is(err, ErrEmptyTranscript):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, nlp.ErrRecognizerUnavailable), errors.Is(err, transcribe.ErrTranscriberUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

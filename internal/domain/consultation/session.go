package consultation

import (
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/auth"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// ValidateSessionID rejects ids that are empty, too long or contain
// characters outside [A-Za-z0-9_.-].
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return ErrInvalidSessionID
	}
	return nil
}

// SessionContext is the per-request view of the session being worked on.
// It is built by SessionMiddleware and read by handlers.
type SessionContext struct {
	ID     string
	UserID string
	Roles  []string
}

const sessionContextKey = "consultation.session"

// SessionMiddleware validates the :id route parameter and attaches a
// SessionContext to the request.
func SessionMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Param("id")
			if err := ValidateSessionID(id); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			ctx := c.Request().Context()
			c.Set(sessionContextKey, &SessionContext{
				ID:     id,
				UserID: auth.UserIDFromContext(ctx),
				Roles:  auth.RolesFromContext(ctx),
			})
			return next(c)
		}
	}
}

// SessionFromContext returns the SessionContext attached by SessionMiddleware,
// or nil.
func SessionFromContext(c echo.Context) *SessionContext {
	sc, _ := c.Get(sessionContextKey).(*SessionContext)
	return sc
}

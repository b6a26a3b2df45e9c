package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"meridian-panel/internal/service"
)

const CodeSuccess = 0

const (
	ErrValidation = 10001
)

const (
	ErrUnauthorized     = 20001
	ErrTokenExpired     = 20002
	ErrForbidden        = 20003
	ErrWrongCredentials = 20004
	ErrAdminDisabled    = 20005
)

const (
	ErrConflict       = 30001
	ErrUsersLimit     = 30002
	ErrAdminDataLimit = 30003
	ErrDuplicate      = 30004
	ErrRateLimited    = 30005
	ErrNodeDisabled   = 30006
)

const (
	ErrUserNotFound    = 40001
	ErrAdminNotFound   = 40002
	ErrNodeNotFound    = 40003
	ErrServiceNotFound = 40004
	ErrNotFound        = 40099
)

const (
	ErrInternal    = 50001
	ErrMaintenance = 50002
)

type Response struct {
	Code       int         `json:"code"`
	Message    string      `json:"message"`
	Data       any         `json:"data,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Paginated(c *gin.Context, data any, page, pageSize int, total int64) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
		Pagination: &Pagination{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	})
}

func Fail(c *gin.Context, httpStatus, appCode int, message string) {
	c.JSON(httpStatus, Response{
		Code:    appCode,
		Message: message,
	})
}

// Error translates service sentinels into the envelope; anything
// unrecognized becomes a 500 without leaking the wrapped detail.
func Error(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		Fail(c, http.StatusBadRequest, ErrValidation, err.Error())
	case errors.Is(err, service.ErrWrongCredentials):
		Fail(c, http.StatusUnauthorized, ErrWrongCredentials, "wrong username or password")
	case errors.Is(err, service.ErrAdminDisabled):
		Fail(c, http.StatusForbidden, ErrAdminDisabled, "admin is disabled")
	case errors.Is(err, service.ErrConflict):
		Fail(c, http.StatusConflict, ErrConflict, "concurrent update, please retry")
	case errors.Is(err, service.ErrUsersLimitReached):
		Fail(c, http.StatusForbidden, ErrUsersLimit, "users limit reached")
	case errors.Is(err, service.ErrAdminDataLimit):
		Fail(c, http.StatusForbidden, ErrAdminDataLimit, "admin data limit exhausted")
	case errors.Is(err, service.ErrDuplicateName):
		Fail(c, http.StatusConflict, ErrDuplicate, "name already in use")
	case errors.Is(err, service.ErrNodeDisabled):
		Fail(c, http.StatusForbidden, ErrNodeDisabled, "node is disabled")
	case errors.Is(err, service.ErrUserNotFound):
		Fail(c, http.StatusNotFound, ErrUserNotFound, "user not found")
	case errors.Is(err, service.ErrAdminNotFound):
		Fail(c, http.StatusNotFound, ErrAdminNotFound, "admin not found")
	case errors.Is(err, service.ErrNodeNotFound):
		Fail(c, http.StatusNotFound, ErrNodeNotFound, "node not found")
	case errors.Is(err, service.ErrServiceNotFound):
		Fail(c, http.StatusNotFound, ErrServiceNotFound, "service not found")
	default:
		Fail(c, http.StatusInternalServerError, ErrInternal, "internal error")
	}
}

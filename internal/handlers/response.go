package handlers

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"roomchat/internal/apperrors"
	"roomchat/internal/middleware"
	"roomchat/internal/repositories"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(jsonFieldName)
	}
}

func jsonFieldName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return field.Name
	}
	return name
}

func respond(c *gin.Context, status int, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	c.JSON(status, body)
}

func respondError(c *gin.Context, err error) {
	appErr := apperrors.From(err)
	if appErr.Status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("route", c.FullPath()).Str("request_id", requestIDFromContext(c)).Msg("request failed")
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(appErr.Status, gin.H{"success": false, "message": appErr.Message})
}

// bindJSON decodes the body into req and reports binding failures as MissingField.
func bindJSON(c *gin.Context, req interface{}) error {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		return apperrors.MissingField(strings.Join(fields, ", ") + " is required")
	}
	return apperrors.MissingField("invalid request body")
}

// repoError maps repository sentinels onto the API taxonomy.
func repoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrChatNotFound):
		return apperrors.NotFound("chat", err)
	case errors.Is(err, repositories.ErrRoomNotFound):
		return apperrors.NotFound("room", err)
	case errors.Is(err, repositories.ErrUserNotFound):
		return apperrors.NotFound("user", err)
	case errors.Is(err, repositories.ErrNotParticipant):
		return apperrors.Forbidden("not a chat participant")
	case errors.Is(err, repositories.ErrSameParticipant):
		return apperrors.MissingField("otherUserId must differ from userId")
	case errors.Is(err, repositories.ErrMissingInput):
		return apperrors.MissingField("required identifier is missing")
	case errors.Is(err, repositories.ErrEmptyText):
		return apperrors.MissingField("text is required")
	default:
		return apperrors.From(err)
	}
}

func requireCaller(c *gin.Context, userID string) error {
	if c.GetString(middleware.UserIDKey) != userID {
		return apperrors.Forbidden("cannot act on behalf of another user")
	}
	return nil
}

package dmrelay

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
	"net/http"
	"reflect"
	"sort"
	"strings"
)

const (
	msgInvalidToken       = "Invalid token format"
	msgInvalidMessage     = "Invalid message format"
	msgInvalidBulkMessage = "Invalid bulk message format"
	msgInvalidReply       = "Invalid reply format"
)

var (
	ErrEmptyTargetSet = errors.New("no target user ids given, and select all not set")
	ErrBotTarget      = errors.New("target user is a bot")
)

// ValidationError indicates malformed or missing input. It's always
// returned before any discord session is opened.
type ValidationError struct {
	Message string
	Fields  map[string][]string
	Err     error
}

func newValidationError(message string) *ValidationError {
	return &ValidationError{Message: message, Fields: map[string][]string{}}
}

// Add records a problem with the given field
func (e *ValidationError) Add(field, problem string) *ValidationError {
	if e.Fields == nil {
		e.Fields = map[string][]string{}
	}
	e.Fields[field] = append(e.Fields[field], problem)
	return e
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// HasErrors reports whether any field problems were recorded
func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, strings.Join(e.Fields[f], ", ")))
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(parts, "; "))
}

// AuthError indicates discord rejected the supplied bot token
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("discord rejected the bot token: %s", upstreamMessage(e.Err))
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NotFoundError indicates a user or guild doesn't exist, as far as
// discord is concerned
type NotFoundError struct {
	Resource string
	ID       string
	Err      error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// UpstreamError is any other discord failure, including network errors
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, upstreamMessage(e.Err))
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// PersistenceError indicates the store couldn't complete an operation
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage error (%s): %s", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// upstreamMessage returns the message discord sent back with an error,
// if there was one, otherwise the error's own text.
func upstreamMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.Err != nil {
		err = upstreamErr.Err
	}
	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.Err != nil {
		err = authErr.Err
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil && restErr.Message.Message != "" {
		return restErr.Message.Message
	}
	return err.Error()
}

// classifyDiscordError maps an error from a discordgo REST call to
// AuthError, NotFoundError or UpstreamError. resource/id describe what
// was being looked up, for NotFoundError.
func classifyDiscordError(op string, err error, resource string, id string) error {
	if err == nil {
		return nil
	}

	var authErr *AuthError
	var notFoundErr *NotFoundError
	var upstreamErr *UpstreamError
	if errors.As(err, &authErr) || errors.As(err, &notFoundErr) || errors.As(err, &upstreamErr) {
		return err
	}

	if errors.Is(err, discordgo.ErrUnauthorized) {
		return &AuthError{Err: err}
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		status := 0
		if restErr.Response != nil {
			status = restErr.Response.StatusCode
		}
		code := 0
		if restErr.Message != nil {
			code = restErr.Message.Code
		}
		switch {
		case status == http.StatusUnauthorized:
			return &AuthError{Err: err}
		case code == discordgo.ErrCodeUnknownUser,
			code == discordgo.ErrCodeUnknownMember,
			code == discordgo.ErrCodeUnknownGuild,
			status == http.StatusNotFound && resource != "":
			return &NotFoundError{Resource: resource, ID: id, Err: err}
		}
	}
	return &UpstreamError{Op: op, Err: err}
}

func isNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr) || errors.Is(err, gorm.ErrRecordNotFound)
}

func isValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func isAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// validationErrorFrom converts request decoding and validator errors into
// a ValidationError keyed by the JSON field names of v.
func validationErrorFrom(message string, err error, v any) *ValidationError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	result := newValidationError(message)

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			name := jsonFieldName(v, fe.StructField())
			result.Add(name, fieldErrorText(fe))
		}
		return result
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		result.Add(typeErr.Field, fmt.Sprintf("expected %s", typeErr.Type.String()))
		return result
	}
	result.Add("body", err.Error())
	return result
}

func fieldErrorText(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed '%s=%s'", fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("failed '%s'", fe.Tag())
	}
}

// jsonFieldName returns the json tag name of the given struct field
// on v, or the field name itself if there's no tag.
func jsonFieldName(v any, structField string) string {
	typ := reflect.TypeOf(v)
	for typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ == nil || typ.Kind() != reflect.Struct {
		return structField
	}
	field, ok := typ.FieldByName(structField)
	if !ok {
		return structField
	}
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return structField
	}
	return name
}

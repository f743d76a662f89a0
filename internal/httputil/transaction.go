package httputil

import (
	"strconv"

	"github.com/getsentry/sentry-go"
)

// HTTPStatusCodeTag is the name of the HTTP status code tag.
const HTTPStatusCodeTag = "http.response.status_code"

// SetHTTPStatusCodeTag is a BeforeSend hook tagging events with the status
// code answered to the request they belong to. A tag set earlier wins.
func SetHTTPStatusCodeTag(e *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if hint == nil || hint.Response == nil {
		return e
	}
	if e.Tags == nil {
		e.Tags = make(map[string]string, 1)
	}
	if _, exists := e.Tags[HTTPStatusCodeTag]; exists {
		return e
	}
	e.Tags[HTTPStatusCodeTag] = strconv.Itoa(hint.Response.StatusCode)
	return e
}

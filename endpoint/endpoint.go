// Package endpoint provides the typed handler pipeline used by the broker's
// HTTP surface.
//
// A request passes through three phases:
//
//  1. Unmarshal: the EndpointHandler decodes the request (path, query,
//     headers) into a typed parameters struct using struct tags.
//  2. Endpoint: the EndpointFunc receives the decoded parameters, runs the
//     flow logic and returns a Renderer. It does not write the body itself.
//  3. Render: the Renderer writes the status code, headers and body.
//
// Processors run before the EndpointFunc and may wrap the ResponseWriter,
// short-circuit the request, or annotate the request context.
package endpoint

import (
	"errors"
	"io"
	"net/http"
)

// EndpointError is a client-visible error that maps directly to an HTTP
// status code. Message is written to the response body; Cause is kept for
// logging and errors.Is/As but never shown to the client.
type EndpointError struct {
	Status  int
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError. If err already carries an
// EndpointError it is returned unchanged.
func Error(status int, message string, err error) error {
	return newEndpointError(status, message, err)
}

func newEndpointError(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderer writes a response into an http.ResponseWriter.
//
// Renderers MUST call w.WriteHeader() and may set Content-Type before doing
// so. A non-nil error means the response could not be written; the handler
// then falls back to a 500 if nothing was committed yet.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// Processor is middleware-style logic that runs before the EndpointFunc.
//
// Processors MUST call next unless they short-circuit the request, and MUST
// NOT write the status or body themselves. An error stops the chain and is
// rendered by the handler.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc is the wrapped handler function type.
//
// It receives the response writer, the request, and the decoded params, and
// returns the Renderer for the response or an error. It may set headers such
// as Set-Cookie on w but leaves the status and body to the Renderer.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is the http.Handler wrapper for an EndpointFunc.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
}

// Handler constructs an EndpointHandler. It exists so that P is inferred.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		if i < 0 || i > len(h.Processors) {
			return errors.New("endpoint: invalid processor index")
		} else if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		// P must be a struct or pointer to struct; Unmarshal enforces it.
		var params P
		if err := Unmarshal(r2, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}
		return renderer.Render(w2, r2)
	}

	if err := run(0, w, r); err != nil {
		status, message := StatusAndMessage(err)
		http.Error(w, message, status)
	}
}

// StatusAndMessage maps err to the status code and client-visible message
// the handler writes for it. Errors that are not EndpointErrors become a
// 500 with a generic message so that internal detail does not leak.
func StatusAndMessage(err error) (int, string) {
	var ee *EndpointError
	if !errors.As(err, &ee) || ee == nil {
		return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	}
	status := http.StatusInternalServerError
	if ee.Status >= 100 {
		status = ee.Status
	}
	if ee.Message == "" {
		return status, http.StatusText(status)
	}
	return status, ee.Message
}

package endpoint

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/http"
)

// writeResponse commits status and body. An earlier Content-Type, such as
// one set by a processor, takes precedence over contentType.
func writeResponse(w http.ResponseWriter, status int, contentType string, body []byte) error {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", contentType)
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// StringRenderer writes a plain-text body. Status defaults to 200.
type StringRenderer struct {
	Status int
	Body   string
}

func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	return writeResponse(w, sr.Status, "text/plain; charset=utf-8", []byte(sr.Body))
}

// RedirectRenderer sends the client to URL with a 3xx status, 302 by
// default. No body is written, so the target never appears in the response
// body.
type RedirectRenderer struct {
	URL    string
	Status int
}

func (rr *RedirectRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if rr.URL == "" {
		return errors.New("endpoint: redirect without URL")
	}
	status := rr.Status
	if status == 0 {
		status = http.StatusFound
	}
	if status < 300 || status > 399 {
		return fmt.Errorf("endpoint: redirect status %d", status)
	}
	w.Header().Set("Location", rr.URL)
	w.WriteHeader(status)
	return nil
}

// HTMLTemplateRenderer executes Template (or its Name'd template) with
// Values. Output is buffered, so an execution error leaves the response
// uncommitted and the handler can still answer 500.
type HTMLTemplateRenderer struct {
	Status   int
	Template *template.Template
	Name     string
	Values   any
}

func (hr *HTMLTemplateRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if hr.Template == nil {
		return errors.New("endpoint: nil html/template")
	}
	var buf bytes.Buffer
	var err error
	if hr.Name != "" {
		err = hr.Template.ExecuteTemplate(&buf, hr.Name, hr.Values)
	} else {
		err = hr.Template.Execute(&buf, hr.Values)
	}
	if err != nil {
		return err
	}
	return writeResponse(w, hr.Status, "text/html; charset=utf-8", buf.Bytes())
}

package auth

import (
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/mnehpets/popauth/endpoint"
	"github.com/mnehpets/popauth/middleware"
)

// Completion statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// AnyOrigin is the postMessage target used when the opener's origin could
// not be verified.
const AnyOrigin = "*"

// Signal returns the handshake message the popup and its opener exchange
// before the result is sent.
func Signal(provider string) string {
	return "authorizing:" + provider
}

// ResultMessage returns the message carrying the flow result, in the form
// authorization:<provider>:<status>:<json>.
func ResultMessage(provider, status string, body any) (string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return "authorization:" + provider + ":" + status + ":" + string(b), nil
}

type successBody struct {
	Token string `json:"token"`
}

type errorBody struct {
	Message string `json:"message"`
}

// The listener only answers an echo of the exact signal from the opener,
// and from the target origin when one is known. It fires at most once.
var completionTemplate = template.Must(template.New("completion").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<p>{{.Title}}</p>
<script nonce="{{.Nonce}}">
(function () {
  var signal = {{.Signal}};
  var result = {{.Result}};
  var target = {{.Target}};
  var opener = window.opener || (window.parent !== window ? window.parent : null);
  if (!opener) {
    return;
  }
  function receive(event) {
    if (event.source !== opener || event.data !== signal) {
      return;
    }
    if (target !== "*" && event.origin !== target) {
      return;
    }
    window.removeEventListener("message", receive, false);
    opener.postMessage(result, target);
  }
  window.addEventListener("message", receive, false);
  opener.postMessage(signal, target);
})();
</script>
</body>
</html>
`))

type completionValues struct {
	Title  string
	Nonce  string
	Signal string
	Result string
	Target string
}

// CompletionRenderer renders the page that hands the flow result to the
// opener window. It reads the script nonce set by the completion page
// security headers processor.
type CompletionRenderer struct {
	Status       int
	Provider     string
	TargetOrigin string

	// Token is delivered on success. Message is delivered when Err is set.
	Token   string
	Err     bool
	Message string
}

// Success returns a renderer delivering token.
func Success(provider, targetOrigin, token string) *CompletionRenderer {
	return &CompletionRenderer{Status: http.StatusOK, Provider: provider, TargetOrigin: targetOrigin, Token: token}
}

// Failure returns a renderer delivering message as an error.
func Failure(status int, provider, targetOrigin, message string) *CompletionRenderer {
	return &CompletionRenderer{Status: status, Provider: provider, TargetOrigin: targetOrigin, Err: true, Message: message}
}

// Render implements endpoint.Renderer.
func (c *CompletionRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	target := c.TargetOrigin
	if target == "" {
		target = AnyOrigin
	}

	var result string
	var err error
	title := "Authorization complete. You can close this window."
	if c.Err {
		title = "Authorization failed. You can close this window."
		result, err = ResultMessage(c.Provider, StatusError, errorBody{Message: c.Message})
	} else {
		result, err = ResultMessage(c.Provider, StatusSuccess, successBody{Token: c.Token})
	}
	if err != nil {
		return err
	}

	nonce, _ := middleware.CSPNonce(r.Context())
	page := &endpoint.HTMLTemplateRenderer{
		Status:   c.Status,
		Template: completionTemplate,
		Values: completionValues{
			Title:  title,
			Nonce:  nonce,
			Signal: Signal(c.Provider),
			Result: result,
			Target: target,
		},
	}
	return page.Render(w, r)
}

var _ endpoint.Renderer = (*CompletionRenderer)(nil)

// Command opener is a demo site for a local popauth server. It opens the
// login popup and implements the opener side of the completion handshake.
//
// Run popauth with POPAUTH_PUBLIC_URL=http://localhost:8080 and
// POPAUTH_COOKIE_SECURE=false, then open http://localhost:3000.
package main

import (
	"html/template"
	"log"
	"net/http"
	"os"

	"github.com/mnehpets/popauth/endpoint"
	"github.com/mnehpets/popauth/middleware"
)

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>popauth demo</title>
</head>
<body>
<h1>popauth demo</h1>
<button id="login">Log in with {{.Provider}}</button>
<pre id="result"></pre>
<script nonce="{{.Nonce}}">
(function () {
  var broker = {{.Broker}};
  var provider = {{.Provider}};
  var signal = "authorizing:" + provider;
  var prefix = "authorization:" + provider + ":";
  var popup = null;

  window.addEventListener("message", function (event) {
    if (event.origin !== broker || event.source !== popup) {
      return;
    }
    if (event.data === signal) {
      popup.postMessage(signal, event.origin);
      return;
    }
    if (typeof event.data === "string" && event.data.indexOf(prefix) === 0) {
      var rest = event.data.slice(prefix.length);
      var sep = rest.indexOf(":");
      var status = rest.slice(0, sep);
      var body = JSON.parse(rest.slice(sep + 1));
      document.getElementById("result").textContent = status + ": " +
        (status === "success" ? "token received (" + body.token.length + " chars)" : body.message);
      popup.close();
    }
  });

  document.getElementById("login").addEventListener("click", function () {
    var url = broker + "/auth?site_id=" + encodeURIComponent(location.hostname) +
      "&provider=" + encodeURIComponent(provider) + "&scope=" + encodeURIComponent({{.Scope}});
    popup = window.open(url, "popauth", "width=600,height=700");
  });
})();
</script>
</body>
</html>
`

type pageValues struct {
	Nonce    string
	Broker   string
	Provider string
	Scope    string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	tmpl := template.Must(template.New("page").Parse(pageTemplate))
	values := pageValues{
		Broker:   getenv("BROKER_URL", "http://localhost:8080"),
		Provider: getenv("PROVIDER", "github"),
		Scope:    getenv("SCOPE", "read:user"),
	}

	// The page keeps its popup reference, so it uses the same relaxed
	// opener policy as the completion page. /auth derives the trust origin
	// from the referer, so the origin must be sent.
	headers := middleware.NewCompletionPageSecurityHeadersProcessor(
		middleware.WithoutHSTS(),
		middleware.WithReferrerPolicy("strict-origin-when-cross-origin"),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", endpoint.Handler(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		v := values
		v.Nonce, _ = middleware.CSPNonce(r.Context())
		return &endpoint.HTMLTemplateRenderer{Template: tmpl, Values: v}, nil
	}, headers))

	log.Println("Demo site on http://localhost:3000")
	if err := http.ListenAndServe(":3000", mux); err != nil {
		log.Fatal(err)
	}
}

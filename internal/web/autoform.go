// internal/web/autoform.go
package web

import (
	"html/template"
	"net/http"
)

// The browser cannot follow a redirect that has to carry POST form fields, so
// the protocol hops between parties via a self-submitting HTML form.
var autoFormTmpl = template.Must(template.New("autoform").Parse(`<!DOCTYPE html>
<html>
<head><title>Redirecting</title></head>
<body>
  <form id="form" action="{{.Target}}" method="{{.Method}}">
{{- range $name, $value := .Params}}
    <input type="hidden" name="{{$name}}" value="{{$value}}" />
{{- end}}
  </form>
  <script type="text/javascript">
    document.getElementById("form").submit();
  </script>
</body>
</html>
`))

// AutoFormResponse writes an HTML page that immediately submits params to
// targetURL. All values are escaped by the template engine.
func AutoFormResponse(w http.ResponseWriter, method, targetURL string, params map[string]string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = autoFormTmpl.Execute(w, struct {
		Target string
		Method string
		Params map[string]string
	}{Target: targetURL, Method: method, Params: params})
}

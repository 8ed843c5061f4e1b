package mfa

import (
	"html/template"
	"io"
)

var successPage = template.Must(template.New("mfa-success").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>MFA Success</title></head>
<body>
<p>인증이 완료되었습니다. 잠시 후 창이 자동으로 닫힙니다.</p>
<script>
if (window.opener) {
  window.opener.postMessage({type: "MFA_SUCCESS", token: {{.Token}}, action: {{.Action}}}, {{.TargetOrigin}} || window.location.origin);
}
setTimeout(function () { window.close(); }, 2000);
</script>
</body>
</html>
`))

var errorPage = template.Must(template.New("mfa-error").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>MFA Error</title></head>
<body>
<h3>{{.Title}}</h3>
<p>{{.Message}}</p>
<script>
if (window.opener && {{.TargetOrigin}}) {
  window.opener.postMessage({type: "MFA_ERROR", error: {{.Message}}}, {{.TargetOrigin}});
}
setTimeout(function () { window.close(); }, 2000);
</script>
</body>
</html>
`))

// RenderSuccess writes the page that hands the assertion to the opener.
func RenderSuccess(w io.Writer, r Result) error {
	return successPage.Execute(w, r)
}

func RenderError(w io.Writer, title, message, targetOrigin string) error {
	return errorPage.Execute(w, struct{ Title, Message, TargetOrigin string }{title, message, targetOrigin})
}

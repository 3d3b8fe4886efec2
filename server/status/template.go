package status

import (
	"html/template"

	"github.com/dualshock-tools/calibd-go/core"
)

type statusTemplateDevice struct {
	Path  string
	Model string
	Used  bool
}

type statusTemplateData struct {
	Version     string
	Devices     []statusTemplateDevice
	DeviceCount int
	Session     core.StateSnapshot
	Log         string
	CSRFField   template.HTML

	IsError bool
	Error   string
}

const templateString = `
<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no">
  <title>calibd status</title>
  <style>
    body {
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", "Roboto", "Helvetica Neue", Arial, sans-serif;
    }

    h1 {
      font-size: 36px;
    }

    p {
      color: #858585;
    }

    .error {
      border: 1px solid orangered;
      border-radius: 4px;
      max-width: 500px;
      margin: 20px auto;
      color: darkred;
      padding: 13px;
    }

    .item {
      border: 1px solid lightgray;
      border-radius: 4px;
      max-width: 500px;
      margin: 20px auto;
      padding: 13px;
      text-align: left;
    }

    pre {
      max-height: 300px;
      overflow: auto;
      background: #f5f5f5;
      padding: 8px;
    }
  </style>
</head>
<body>
  <div style="text-align: center">
    <h1>calibd {{.Version}} is running</h1>

    {{if .IsError}}
    <div class="error">{{.Error}}</div>
    {{end}}

    <div class="item">
      <h3>Session</h3>
      <p>phase: {{.Session.Phase}}</p>
      {{if .Session.Connected}}
      <p>controller: {{.Session.Model}}</p>
      {{end}}
      {{if .Session.Failure}}
      <p>last failure: {{.Session.Failure}}</p>
      {{end}}
    </div>

    <div class="item">
      <h3>Controllers ({{.DeviceCount}})</h3>
      {{range .Devices}}
      <p>{{.Path}} {{if .Model}}({{.Model}}){{end}} {{if .Used}}&mdash; in use{{end}}</p>
      {{else}}
      <p>No supported controller detected.</p>
      {{end}}
    </div>

    <div class="item">
      <h3>Log</h3>
      <pre>{{.Log}}</pre>
      <form action="/status/log.gz" method="post">
        {{.CSRFField}}
        <input type="submit" value="Download detailed log">
      </form>
    </div>
  </div>
</body>
</html>
`

var statusTemplate = template.Must(template.New("status").Parse(templateString))

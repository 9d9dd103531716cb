package api

import (
	"fmt"
	"net/http"
)

const indexBody = `<div id='price_chart_container'><canvas id='price_chart'></canvas></div><br/>` +
	`<div id='slider'></div><br/><span id='begin'></span> - <span id='end'></span>` +
	`<img src='static/loading.gif' id='spinner'/>`

const indexHead = `<script>$( function() {chart_init();});</script>`

const notFoundBody = `<h1>Not Found</h1><a href='/'>Return to Home</a>`

// page wraps a body in the shared document shell with every page's static assets.
func page(title, headExtra, body string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
 <head>
  <meta charset='utf-8'/>
  <meta http-equiv='X-UA-Compatible' content='IE=edge'/>
  <meta name='viewport' content='height=device-height, width=device-width, initial-scale=1'/>
  <link rel='shortcut icon' href='static/favicon.ico'/>
  <script src='https://unpkg.com/jquery@3.5.1/dist/jquery.min.js'></script>
  <link rel='stylesheet' href='https://code.jquery.com/ui/1.12.1/themes/base/jquery-ui.css'/>
  <script src='https://code.jquery.com/ui/1.12.1/jquery-ui.min.js' integrity='sha256-VazP97ZCwtekAsvgPBSUwPFKdrwD3unUfSGVYrahUqU=' crossorigin='anonymous'></script>
  <script src='https://unpkg.com/moment@2.19.3/min/moment-with-locales.min.js'></script>
  <script src='https://unpkg.com/chart.js@2.7.1/dist/Chart.min.js'></script>
  <script src='static/main.js'></script>
  <link rel='stylesheet' href='static/main.css'/>
  %s
  <title>%s</title>
 </head>
 <body>
 %s
 </body>
</html>`, headExtra, title, body)
}

var (
	indexPage    = page("Home - Bitcoin Trend", indexHead, indexBody)
	notFoundPage = page("Not Found - Bitcoin Trend", "", notFoundBody)
)

func writeHTML(w http.ResponseWriter, status int, html string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(html))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeHTML(w, http.StatusOK, indexPage)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeHTML(w, http.StatusNotFound, notFoundPage)
}

// Package web contains the embedded cache dashboard page.
package web

import "embed"

// Templates contains embedded HTML pages for the built-in web UI.
//
//go:embed *.html
var Templates embed.FS

// DashboardPage is the file name of the cache dashboard.
const DashboardPage = "dashboard.html"

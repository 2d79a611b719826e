// Package schemas holds the JSON Schemas of the files the pipeline keeps on disk.
package schemas

import "embed"

// FS contains every *.schema.json in this directory.
//
//go:embed *.schema.json
var FS embed.FS

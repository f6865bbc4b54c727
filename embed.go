package sitepulse

import "embed"

// EmbeddedAssets contains the browser beacon served at /sitepulse.js.
//
//go:embed embedded/*
var EmbeddedAssets embed.FS

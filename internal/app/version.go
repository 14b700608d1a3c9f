package app

// Version is set at build time via -ldflags.
var Version = "dev"

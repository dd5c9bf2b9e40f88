package server

// Version of the server. Overridden at build time.
var Version = "devel"

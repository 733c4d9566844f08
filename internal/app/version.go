package app

// Version is the haipd release version, reported in telemetry and the
// startup banner. Overridable at build time via
// -ldflags "-X github.com/haipio/haip/internal/app.Version=...".
var Version = "0.1.0-dev"

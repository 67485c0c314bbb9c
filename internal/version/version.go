package version

// Version is the current groupdate release.
const Version = "0.1.0"

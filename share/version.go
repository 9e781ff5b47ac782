package chshare

// BuildVersion is the version reported by --version; it is overridden at
// link time with -ldflags "-X github.com/sammck-go/wsbridge/share.BuildVersion=..."
var BuildVersion = "0.0.0-src"

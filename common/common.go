package common

var (
	// PackageName is the metrics namespace and default service name.
	PackageName = "device_relay"
	// Version is set at build time with -ldflags "-X github.com/ruteri/device-relay-backend/common.Version=..."
	Version = "dev"
)

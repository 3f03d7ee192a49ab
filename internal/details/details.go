// Package details resolves host/platform/arch/version facts used during
// fog registration and periodic metadata reports. A failed probe
// degrades to "unknown" or false rather than returning an error.
// KernelMajorAtLeast is bounded by probeTimeout; the other probes are
// local file and environment reads with no timeout of their own.
package details

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/nano-agent/orchestrator/internal/orchtools"
)

// Platform is a small closed enum of supported deployment targets,
// determined at build time via a linker-set variable.
type Platform string

const (
	PlatformLinux     Platform = "linux"
	PlatformGaia      Platform = "gaia"
	PlatformContainer Platform = "container"
	PlatformUnknown   Platform = "unknown"
)

// probeTimeout bounds the KernelMajorAtLeast probe.
const probeTimeout = 500 * time.Millisecond

// BuildPlatform is set via -ldflags at build time; it defaults to
// PlatformLinux for a plain `go build`.
var BuildPlatform = string(PlatformLinux)

// Static holds the facts resolved once at process init and never
// changed again.
type Static struct {
	Hostname string
	Platform Platform
	Arch     string
	Version  string
}

// ResolveStatic gathers the immutable facts at init.
func ResolveStatic(agentVersion string) Static {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	plat := Platform(BuildPlatform)
	switch plat {
	case PlatformLinux, PlatformGaia, PlatformContainer:
	default:
		plat = PlatformUnknown
	}
	return Static{
		Hostname: host,
		Platform: plat,
		Arch:     runtime.GOARCH,
		Version:  agentVersion,
	}
}

// CloudMetadata holds cloud-provider facts, each "" when unavailable.
type CloudMetadata struct {
	Account  string
	VPC      string
	Instance string
	LocalIP  string
	Region   string
}

// CloudMetadataEnv names the environment variables CloudMetadataFromEnv reads.
var CloudMetadataEnv = struct {
	Account, VPC, Instance, LocalIP, Region string
}{
	Account:  "ORCH_CLOUD_ACCOUNT",
	VPC:      "ORCH_CLOUD_VPC",
	Instance: "ORCH_CLOUD_INSTANCE",
	LocalIP:  "ORCH_CLOUD_LOCAL_IP",
	Region:   "ORCH_CLOUD_REGION",
}

// CloudMetadataFromEnv resolves cloud metadata from environment
// variables, the cheapest and most portable source. A helper-script
// based resolver can be layered in front of this for platforms that
// expose it only that way.
func CloudMetadataFromEnv() CloudMetadata {
	return CloudMetadata{
		Account:  os.Getenv(CloudMetadataEnv.Account),
		VPC:      os.Getenv(CloudMetadataEnv.VPC),
		Instance: os.Getenv(CloudMetadataEnv.Instance),
		LocalIP:  os.Getenv(CloudMetadataEnv.LocalIP),
		Region:   os.Getenv(CloudMetadataEnv.Region),
	}
}

// Available reports whether any cloud metadata field was resolved.
func (c CloudMetadata) Available() bool {
	return c.Account != "" || c.VPC != "" || c.Instance != "" || c.LocalIP != "" || c.Region != ""
}

// HasReverseProxy reports whether the host runs a reverse-proxy product,
// resolved from a marker file installed by that product's package.
func HasReverseProxy(markerPath string) bool {
	return orchtools.FileExists(markerPath)
}

// KernelMajorAtLeast reports whether the host kernel's major version is
// >= min. A failed probe returns false (never blocks the loop).
func KernelMajorAtLeast(ctx context.Context, min int) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	done := make(chan bool, 1)
	go func() {
		major, ok := kernelMajor()
		done <- ok && major >= min
	}()
	select {
	case atLeast := <-done:
		return atLeast
	case <-ctx.Done():
		return false
	}
}

func kernelMajor() (int, bool) {
	release, err := osRelease()
	if err != nil || release == "" {
		return 0, false
	}
	parts := strings.SplitN(release, ".", 2)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return major, true
}

// ProxyConfig is the outbound HTTP proxy the agent uses to reach the
// fog, set via the `add proxy` REST endpoint and persisted alongside
// the other agent details.
type ProxyConfig struct {
	URL string `json:"url"`
}

// agentDetailsFile is the fixed basename persisted under confDir.
const agentDetailsFile = "agent-details.json"

// SaveProxy persists proxyURL into agent-details.json under confDir.
func SaveProxy(confDir, proxyURL string) error {
	return orchtools.ObjectToJSON(ProxyConfig{URL: proxyURL}, confDir+"/"+agentDetailsFile)
}

// LoadProxy reads the persisted proxy config, if any.
func LoadProxy(confDir string) (ProxyConfig, error) {
	return orchtools.JSONToObject[ProxyConfig](confDir + "/" + agentDetailsFile)
}

// IsGatewayNotVSX reports whether this host is a gateway deployment but
// not a VSX (virtual system extension) configuration, resolved from the
// presence of marker files under confDir.
func IsGatewayNotVSX(confDir string) bool {
	gateway := orchtools.FileExists(confDir + "/gateway-marker")
	vsx := orchtools.FileExists(confDir + "/vsx-marker")
	return gateway && !vsx
}

// CheckpointVersion is a packed integer version with a comparator.
type CheckpointVersion struct {
	Packed int64
}

// AtLeast compares two packed checkpoint versions.
func (v CheckpointVersion) AtLeast(other CheckpointVersion) bool {
	return v.Packed >= other.Packed
}

// ResolveCheckpointVersion reads a packed version integer from a
// platform-specific file; returns the zero value and false on failure.
func ResolveCheckpointVersion(versionFile string) (CheckpointVersion, bool) {
	if !orchtools.FileExists(versionFile) {
		return CheckpointVersion{}, false
	}
	data, err := orchtools.ReadFile(versionFile)
	if err != nil {
		return CheckpointVersion{}, false
	}
	packed, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return CheckpointVersion{}, false
	}
	return CheckpointVersion{Packed: packed}, true
}

// WebServerBuild describes the on-host nginx/kong build, parsed from a
// helper-generated text file.
type WebServerBuild struct {
	Version           string
	ConfigureOptions  []string
	ExtraCompilerOpts []string
}

// ParseWebServerBuild parses the helper-generated text file at path. The
// expected format is three lines: "version: X", "configure: a b c",
// "compiler: x y z". A malformed or missing file yields the zero value
// and false, never an error — callers treat this as "unknown".
func ParseWebServerBuild(path string) (WebServerBuild, bool) {
	if !orchtools.FileExists(path) {
		return WebServerBuild{}, false
	}
	data, err := orchtools.ReadFile(path)
	if err != nil {
		return WebServerBuild{}, false
	}

	var build WebServerBuild
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "version":
			build.Version = value
		case "configure":
			build.ConfigureOptions = strings.Fields(value)
		case "compiler":
			build.ExtraCompilerOpts = strings.Fields(value)
		}
	}
	if build.Version == "" {
		return WebServerBuild{}, false
	}
	return build, true
}

func osRelease() (string, error) {
	data, err := orchtools.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

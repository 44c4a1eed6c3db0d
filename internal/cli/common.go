package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
)

// Version information for all binaries. Overridden with -ldflags -X at
// release time.
var (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
	CommitSHA = "unknown"
)

// VersionInfo contains version and build information.
type VersionInfo struct {
	Tool       string `json:"tool"`
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	BuildDate  string `json:"build_date"`
	CommitSHA  string `json:"commit_sha"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
	Arch       string `json:"arch"`
}

// GetVersionInfo returns structured version information for tool.
func GetVersionInfo(tool string) *VersionInfo {
	return &VersionInfo{
		Tool:       tool,
		Version:    Version,
		APIVersion: ClientAPIConstraint,
		BuildDate:  BuildDate,
		CommitSHA:  CommitSHA,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS,
		Arch:       runtime.GOARCH,
	}
}

// PrintVersion writes version information in plain text or JSON.
func PrintVersion(w io.Writer, tool string, jsonOutput bool) error {
	info := GetVersionInfo(tool)

	if jsonOutput {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal version info: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	fmt.Fprintf(w, "%s v%s\n", tool, info.Version)
	fmt.Fprintf(w, "Build Date: %s\n", info.BuildDate)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Fprintf(w, "Commit: %s\n", info.CommitSHA)
	}
	fmt.Fprintf(w, "API: %s\n", info.APIVersion)
	fmt.Fprintf(w, "Go Version: %s\n", info.GoVersion)
	fmt.Fprintf(w, "Platform: %s/%s\n", info.Platform, info.Arch)
	return nil
}

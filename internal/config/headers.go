package config

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
)

// Version is stamped at build time with -ldflags "-X ...config.Version=...".
var Version = "dev"

var (
	osVersionOnce sync.Once
	osVersion     string
)

// ApplyDefaultHeaders sets the User-Agent and the optional organization and
// project headers taken from OPENAI_ORGANIZATION and OPENAI_PROJECT.
func ApplyDefaultHeaders(headers http.Header) {
	if headers == nil {
		return
	}
	headers.Set("User-Agent", UserAgent())
	if org := strings.TrimSpace(os.Getenv("OPENAI_ORGANIZATION")); org != "" {
		headers.Set("OpenAI-Organization", org)
	}
	if project := strings.TrimSpace(os.Getenv("OPENAI_PROJECT")); project != "" {
		headers.Set("OpenAI-Project", project)
	}
}

// UserAgent returns "elements/<version> (<os> <os version>; <arch>)".
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s %s; %s)", AppName, Version, osType(), detectedOSVersion(), arch())
}

func osType() string {
	switch runtime.GOOS {
	case "darwin":
		return "Mac OS"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	default:
		return runtime.GOOS
	}
}

func arch() string {
	if runtime.GOARCH == "amd64" {
		return "x86_64"
	}
	return runtime.GOARCH
}

func detectedOSVersion() string {
	osVersionOnce.Do(func() {
		if runtime.GOOS == "linux" {
			osVersion = linuxVersion()
		}
		if osVersion == "" {
			osVersion = "unknown"
		}
	})
	return osVersion
}

func linuxVersion() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	values := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || strings.HasPrefix(k, "#") {
			continue
		}
		values[k] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return values["VERSION_ID"]
}

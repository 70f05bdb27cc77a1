// Package llamacpp integrates the llama.cpp server engine for CPU and GPU
// inference.
package llamacpp

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Name is the recipe tag served by this adapter.
const Name = "llamacpp"

// Flavor selects the llama.cpp build variant to install.
type Flavor string

const (
	FlavorVulkan Flavor = "vulkan"
	FlavorROCm   Flavor = "rocm"
	FlavorMetal  Flavor = "metal"
)

// Pinned engine releases per flavor. Installed copies older than these are
// replaced on the next start.
const (
	versionVulkan = "b6510"
	versionROCm   = "b1066"
	versionMetal  = "b6510"
)

// DefaultFlavor picks the build variant suited to the host platform.
func DefaultFlavor() Flavor {
	if runtime.GOOS == "darwin" {
		return FlavorMetal
	}
	return FlavorVulkan
}

// Version returns the pinned release tag for a flavor.
func (f Flavor) Version() string {
	switch f {
	case FlavorROCm:
		return versionROCm
	case FlavorMetal:
		return versionMetal
	default:
		return versionVulkan
	}
}

// releaseURL returns the download URL and archive filename for a flavor on
// the current platform.
func releaseURL(flavor Flavor) (string, string, error) {
	version := flavor.Version()
	var repo, filename string
	switch flavor {
	case FlavorROCm:
		repo = "lemonade-sdk/llamacpp-rocm"
		switch runtime.GOOS {
		case "windows":
			filename = fmt.Sprintf("llama-%s-windows-rocm-gfx110X-x64.zip", version)
		case "linux":
			filename = fmt.Sprintf("llama-%s-ubuntu-rocm-gfx110X-x64.zip", version)
		default:
			return "", "", fmt.Errorf("rocm builds are only available for windows and linux")
		}
	case FlavorMetal:
		repo = "ggml-org/llama.cpp"
		if runtime.GOOS != "darwin" {
			return "", "", fmt.Errorf("metal builds are only available for macos")
		}
		filename = fmt.Sprintf("llama-%s-bin-macos-arm64.zip", version)
	default:
		repo = "ggml-org/llama.cpp"
		switch runtime.GOOS {
		case "windows":
			filename = fmt.Sprintf("llama-%s-bin-win-vulkan-x64.zip", version)
		case "linux":
			filename = fmt.Sprintf("llama-%s-bin-ubuntu-vulkan-x64.zip", version)
		default:
			return "", "", fmt.Errorf("vulkan builds are only available for windows and linux")
		}
	}
	return fmt.Sprintf("https://github.com/%s/releases/download/%s/%s", repo, version, filename), filename, nil
}

// Config tunes the adapter.
type Config struct {
	// CacheRoot is the lemonade cache directory. The engine installs
	// under <CacheRoot>/llama_server.
	CacheRoot string
	// Flavor is the build variant. Empty means platform default.
	Flavor Flavor
	// CtxSize is the default context window in tokens.
	CtxSize int
	// ReadyTimeout bounds engine startup.
	ReadyTimeout time.Duration
}

// DefaultCtxSize matches the engine's own default context window.
const DefaultCtxSize = 4096

func (c Config) flavor() Flavor {
	if c.Flavor == "" {
		return DefaultFlavor()
	}
	return c.Flavor
}

func (c Config) installDir() string {
	return filepath.Join(c.CacheRoot, "llama_server")
}

// exePath locates the installed llama-server binary. Linux archives nest
// it under build/bin.
func (c Config) exePath() string {
	dir := c.installDir()
	if runtime.GOOS == "windows" {
		return filepath.Join(dir, "llama-server.exe")
	}
	nested := filepath.Join(dir, "build", "bin", "llama-server")
	if _, err := os.Stat(nested); err == nil {
		return nested
	}
	return filepath.Join(dir, "llama-server")
}

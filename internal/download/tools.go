package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"remedia/internal/event"
	"remedia/internal/logging"
)

// Release artifacts for a managed yt-dlp install when the binary is absent
// from PATH. ffmpeg ships as platform archives we do not unpack; its absence
// is only announced to the client.
const ytdlpReleaseBase = "https://github.com/yt-dlp/yt-dlp/releases/latest/download/"

// CheckYtdlp ensures yt-dlp is in PATH and returns its location.
func CheckYtdlp() (string, error) {
	p, err := exec.LookPath("yt-dlp")
	logging.LogToolCheck("yt-dlp", err)
	return p, err
}

// CheckFfmpeg ensures ffmpeg is in PATH and returns its location.
func CheckFfmpeg() (string, error) {
	p, err := exec.LookPath("ffmpeg")
	logging.LogToolCheck("ffmpeg", err)
	return p, err
}

// EnsureTools verifies the external tools remedia depends on. A missing
// yt-dlp triggers a YtdlpInstall emission and a managed install into toolDir;
// a missing ffmpeg triggers an FfmpegInstall emission so the client can show
// a non-blocking notice. Returns the yt-dlp path to use.
func EnsureTools(ctx context.Context, hub *event.Hub, toolDir string) (string, error) {
	ytdlp, err := CheckYtdlp()
	if err != nil {
		if hub != nil {
			hub.PublishInstall(event.EmissionYtdlpInstall)
		}
		ytdlp, err = installYtdlp(ctx, toolDir)
		if err != nil {
			return "", fmt.Errorf("install yt-dlp: %w", err)
		}
	}
	if _, err := CheckFfmpeg(); err != nil {
		// Not fatal: single-format downloads work without ffmpeg, merged
		// formats will fail until it is installed.
		if hub != nil {
			hub.PublishInstall(event.EmissionFfmpegInstall)
		}
	}
	return ytdlp, nil
}

// installYtdlp downloads the standalone yt-dlp release binary for this
// platform into dir and returns its path.
func installYtdlp(ctx context.Context, dir string) (string, error) {
	asset, binName := ytdlpAsset()
	if asset == "" {
		return "", fmt.Errorf("no yt-dlp release artifact for %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, binName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ytdlpReleaseBase+asset, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: %s", asset, resp.Status)
	}

	tmp, err := os.CreateTemp(dir, binName+".*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	logging.LogToolCheck("yt-dlp", nil)
	return dest, nil
}

// ytdlpAsset returns the release asset and local binary name for this
// platform, or empty when unsupported.
func ytdlpAsset() (asset, binName string) {
	switch runtime.GOOS {
	case "linux":
		switch runtime.GOARCH {
		case "amd64":
			return "yt-dlp_linux", "yt-dlp"
		case "arm64":
			return "yt-dlp_linux_aarch64", "yt-dlp"
		}
	case "darwin":
		return "yt-dlp_macos", "yt-dlp"
	case "windows":
		return "yt-dlp.exe", "yt-dlp.exe"
	}
	return "", ""
}

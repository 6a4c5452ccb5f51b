package event

// Emission is a tagged notification kind pushed from the backend to clients.
// The set is closed; clients switch on the kind to route the payload.
type Emission string

const (
	// EmissionYtdlpInstall signals the yt-dlp binary is missing and an
	// install is underway. Not bound to any URL.
	EmissionYtdlpInstall Emission = "YtdlpInstall"

	// EmissionFfmpegInstall signals the ffmpeg binary is missing and an
	// install is underway. Not bound to any URL.
	EmissionFfmpegInstall Emission = "FfmpegInstall"

	// EmissionYtdlpDownloadUpdate carries a DownloadProgress snapshot for a
	// URL that is currently downloading.
	EmissionYtdlpDownloadUpdate Emission = "YtdlpDownloadUpdate"

	// EmissionYtdlpUrlSuccess is published exactly once per URL transitioning
	// to completed.
	EmissionYtdlpUrlSuccess Emission = "YtdlpUrlSuccess"

	// EmissionYtdlpUrlUpdate reports the outcome of a URL availability check.
	EmissionYtdlpUrlUpdate Emission = "YtdlpUrlUpdate"
)

// DownloadProgress is a transient point-in-time snapshot for one URL. It is
// never persisted; each snapshot supersedes the previous one for the same URL.
type DownloadProgress struct {
	URL            string `json:"url"`
	Percent        string `json:"percent"`
	SizeDownloaded string `json:"size_downloaded"`
	Speed          string `json:"speed"`
	ETA            string `json:"eta"`
}

// Envelope is the wire shape delivered to subscribers.
type Envelope struct {
	Kind      Emission          `json:"kind"`
	URL       string            `json:"url,omitempty"`
	Progress  *DownloadProgress `json:"progress,omitempty"`
	Available *bool             `json:"available,omitempty"`
}

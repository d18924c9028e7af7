package speech

import (
	"mime"
	"path/filepath"
	"strings"
)

var contentTypeFormats = map[string]string{
	"audio/wav":      "wav",
	"audio/wave":     "wav",
	"audio/x-wav":    "wav",
	"audio/vnd.wave": "wav",
	"audio/mpeg":     "mp3",
	"audio/mp3":      "mp3",
	"audio/mpeg3":    "mp3",
	"audio/ogg":      "ogg",
	"audio/opus":     "ogg",
	"audio/webm":     "webm",
	"audio/flac":     "flac",
	"audio/x-flac":   "flac",
	"audio/pcm":      "pcm",
	"audio/l16":      "pcm",
	"audio/mp4":      "m4a",
	"audio/x-m4a":    "m4a",
	"audio/aac":      "aac",
}

// FormatFromContentType maps an audio MIME type to the short format name the
// upstream services expect. Unknown audio subtypes are passed through.
func FormatFromContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	if f, ok := contentTypeFormats[mediaType]; ok {
		return f
	}
	if sub, ok := strings.CutPrefix(mediaType, "audio/"); ok && sub != "" {
		return strings.TrimPrefix(sub, "x-")
	}
	return ""
}

// ContentTypeFromFilename guesses an audio MIME type from a file extension.
func ContentTypeFromFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case "":
		return ""
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".webm":
		return "audio/webm"
	case ".flac":
		return "audio/flac"
	case ".pcm":
		return "audio/pcm"
	case ".m4a":
		return "audio/mp4"
	}
	return mime.TypeByExtension(ext)
}

package agent

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/jpeg"
	"log/slog"
	"os"

	"github.com/disintegration/imaging"
)

// maxImageEdge is the longest edge vision providers accept without resizing
// on their side; larger inputs just waste tokens and upload time.
const maxImageEdge = 1568

const jpegQuality = 85

// prepareImage loads an image file, downscales it so its longest edge is at
// most maxImageEdge, and returns it JPEG-encoded as base64 for a provider
// request.
func prepareImage(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("agent: open image %s: %w", path, err)
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("agent: decode image %s: %w", path, err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxImageEdge || h > maxImageEdge {
		if w >= h {
			img = imaging.Resize(img, maxImageEdge, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, maxImageEdge, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", fmt.Errorf("agent: encode image %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// prepareImages converts each path, skipping files that fail to decode so one
// bad attachment does not sink the turn.
func prepareImages(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := prepareImage(p)
		if err != nil {
			slog.Warn("agent: skipping attachment", "path", p, "error", err)
			continue
		}
		out = append(out, data)
	}
	return out
}

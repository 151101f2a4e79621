package handlers

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
)

var errInvalidImage = errors.New("invalid image data")

// decodeDataURL decodes a "data:image/...;base64,..." URL, or bare base64,
// into an image.
func decodeDataURL(dataURL string) (image.Image, error) {
	payload := dataURL
	if strings.HasPrefix(dataURL, "data:") {
		_, after, found := strings.Cut(dataURL, ",")
		if !found {
			return nil, fmt.Errorf("%w: malformed data URL", errInvalidImage)
		}
		payload = after
	}
	if payload == "" {
		return nil, fmt.Errorf("%w: empty image", errInvalidImage)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidImage, err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidImage, err)
	}
	return img, nil
}

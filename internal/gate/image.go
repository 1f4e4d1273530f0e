package gate

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"meshgate/internal/embedding"
)

var mimeByFormat = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
}

// LoadImage reads and fully decodes the file at path so truncated or
// corrupt files are rejected before they reach the encoder.
func LoadImage(path string) (embedding.ImageInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return embedding.ImageInput{}, fmt.Errorf("read image: %w", err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return embedding.ImageInput{}, fmt.Errorf("decode image: %w", err)
	}
	if b := img.Bounds(); b.Empty() {
		return embedding.ImageInput{}, fmt.Errorf("decode image: empty bounds %v", b)
	}

	return embedding.ImageInput{
		Path:     path,
		Data:     data,
		MIMEType: mimeByFormat[format],
	}, nil
}

package objectprovider

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Renders a deterministic colour test pattern for spec, encoded according to the key's extension.
func SyntheticImage(spec *ObjectSpec) ([]byte, error) {
	format, err := imaging.FormatFromFilename(spec.Key)
	if err != nil {
		return nil, fmt.Errorf("unsupported image key %s: %w", spec.Key, err)
	}

	h := fnv.New32a()
	h.Write([]byte(spec.Key))
	seed := h.Sum32()

	img := image.NewNRGBA(image.Rect(0, 0, spec.Width, spec.Height))
	for y := 0; y < spec.Height; y++ {
		for x := 0; x < spec.Width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x*255)/max(spec.Width, 1) + int(seed)),
				G: uint8((y*255)/max(spec.Height, 1) + int(seed>>8)),
				B: uint8((x + y) ^ int(seed>>16)),
				A: 255,
			})
		}
	}

	buf := &bytes.Buffer{}
	err = imaging.Encode(buf, img, format)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func contentTypeFor(key string) string {
	format, err := imaging.FormatFromFilename(key)
	if err != nil {
		return "application/octet-stream"
	}
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.JPEG:
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

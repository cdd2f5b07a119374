package imagejob

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
)

const JPEGQuality = 90

// ItemTransformError means one image could not be processed. It never aborts the job.
type ItemTransformError struct {
	Stage string // "decode" or "encode"
	Err   error
}

func (e *ItemTransformError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *ItemTransformError) Unwrap() error {
	return e.Err
}

// Decodes an image, converts it to single-channel grayscale and re-encodes it as JPEG.
func Transform(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &ItemTransformError{Stage: "decode", Err: err}
	}

	buf := &bytes.Buffer{}
	err = imaging.Encode(buf, toGray(img), imaging.JPEG, imaging.JPEGQuality(JPEGQuality))
	if err != nil {
		return nil, &ItemTransformError{Stage: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// imaging.Grayscale keeps four channels, the JPEG encoder only writes one channel for *image.Gray
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

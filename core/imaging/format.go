package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	disimg "github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

// ErrDecode indicates an unrecognized or corrupt image payload.
var ErrDecode = errors.New("image_decode_failed")

// Format is the closed set of raster formats the delivery tier serves.
type Format int

const (
	JPEG Format = iota
	PNG
	GIF
	TIFF
	BMP
)

type formatSpec struct {
	ext   string
	mime  string
	codec disimg.Format
}

var formatSpecs = map[Format]formatSpec{
	JPEG: {ext: "jpg", mime: "image/jpeg", codec: disimg.JPEG},
	PNG:  {ext: "png", mime: "image/png", codec: disimg.PNG},
	GIF:  {ext: "gif", mime: "image/gif", codec: disimg.GIF},
	TIFF: {ext: "tiff", mime: "image/tiff", codec: disimg.TIFF},
	BMP:  {ext: "bmp", mime: "image/bmp", codec: disimg.BMP},
}

// Ext returns the canonical file extension, without a leading dot.
func (f Format) Ext() string {
	return formatSpecs[f].ext
}

// MIME returns the content type served for the format.
func (f Format) MIME() string {
	return formatSpecs[f].mime
}

func (f Format) String() string {
	return formatSpecs[f].ext
}

// FromExtension resolves a stored format string ("jpg", "jpeg", "tif", ...).
func FromExtension(ext string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return JPEG, nil
	case "png":
		return PNG, nil
	case "gif":
		return GIF, nil
	case "tiff", "tif":
		return TIFF, nil
	case "bmp":
		return BMP, nil
	default:
		return 0, fmt.Errorf("%w: unknown format %q", ErrDecode, ext)
	}
}

// Sniff detects the format from content, never from the filename.
func Sniff(data []byte) (Format, error) {
	mt := mimetype.Detect(data)
	for f, spec := range formatSpecs {
		if mt.Is(spec.mime) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: unsupported content type %s", ErrDecode, mt.String())
}

// Decode decodes an image payload.
func Decode(data []byte) (image.Image, error) {
	img, err := disimg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// Encode re-encodes an image in the given format.
func Encode(img image.Image, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := disimg.Encode(&buf, img, formatSpecs[f].codec); err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrDecode, f.Ext(), err)
	}
	return buf.Bytes(), nil
}

// Resize scales to the target width with Catmull-Rom resampling, preserving
// aspect ratio. Upscaling is the caller's responsibility to avoid.
func Resize(img image.Image, width uint) image.Image {
	return disimg.Resize(img, int(width), 0, disimg.CatmullRom)
}

package inspect

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
)

// Format is the declared format of an asset, derived from its extension.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
)

// String returns the string representation of the Format.
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatPNG:
		return "PNG"
	default:
		return "Unknown"
	}
}

// FormatFromPath maps .png/.jpg/.jpeg (any case) to a Format.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return FormatJPEG
	case ".png":
		return FormatPNG
	default:
		return FormatUnknown
	}
}

// AssetInfo describes a single image file.
type AssetInfo struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	Format     string    `json:"format"`
	Decoded    string    `json:"decoded_format,omitempty"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	ColorModel string    `json:"color_model"`
	HasAlpha   bool      `json:"has_alpha"`

	EXIF *EXIFInfo `json:"exif,omitempty"`
}

// SizeKB returns the size in kilobytes.
func (a *AssetInfo) SizeKB() float64 {
	return float64(a.Size) / 1024
}

// EXIFInfo holds the handful of EXIF fields worth showing.
type EXIFInfo struct {
	DateTime    *time.Time `json:"date_time,omitempty"`
	Make        string     `json:"make,omitempty"`
	Model       string     `json:"model,omitempty"`
	Software    string     `json:"software,omitempty"`
	Orientation int        `json:"orientation,omitempty"`
}

// Inspector reads asset headers and EXIF metadata.
type Inspector struct {
	logger *logrus.Logger
}

// NewInspector returns a new Inspector.
func NewInspector(logger *logrus.Logger) *Inspector {
	return &Inspector{logger: logger}
}

// Inspect returns header information for the asset at path. Pixel data is
// not decoded.
func (i *Inspector) Inspect(path string) (*AssetInfo, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if fileInfo.IsDir() {
		return nil, fmt.Errorf("not a file: %s", path)
	}

	info := &AssetInfo{
		Path:    path,
		Size:    fileInfo.Size(),
		ModTime: fileInfo.ModTime(),
		Format:  FormatFromPath(path).String(),
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	cfg, decoded, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image header: %w", err)
	}
	info.Decoded = decoded
	info.Width = cfg.Width
	info.Height = cfg.Height
	info.ColorModel = colorModelName(cfg.ColorModel)
	info.HasAlpha = modelHasAlpha(cfg.ColorModel)

	if decoded == "jpeg" {
		if x, err := i.readEXIF(path); err == nil {
			info.EXIF = x
		} else {
			i.logger.Debugf("No EXIF data for %s: %v", path, err)
		}
	}

	return info, nil
}

// HasMarker reports whether the EXIF Software tag of a JPEG contains marker.
func (i *Inspector) HasMarker(path, marker string) bool {
	if marker == "" || FormatFromPath(path) != FormatJPEG {
		return false
	}
	x, err := i.readEXIF(path)
	if err != nil {
		return false
	}
	return strings.Contains(x.Software, marker)
}

// readEXIF extracts EXIF fields using the rwcarlsen/goexif library.
func (i *Inspector) readEXIF(path string) (*EXIFInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode EXIF: %w", err)
	}

	out := &EXIFInfo{}
	if tm, err := x.DateTime(); err == nil {
		out.DateTime = &tm
	}
	out.Make = stringTag(x, exif.Make)
	out.Model = stringTag(x, exif.Model)
	out.Software = stringTag(x, exif.Software)
	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil {
			out.Orientation = v
		}
	}
	return out, nil
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	val, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(val, "\x00"))
}

func colorModelName(m color.Model) string {
	switch m {
	case color.RGBAModel:
		return "RGBA"
	case color.RGBA64Model:
		return "RGBA64"
	case color.NRGBAModel:
		return "NRGBA"
	case color.NRGBA64Model:
		return "NRGBA64"
	case color.GrayModel:
		return "Gray"
	case color.Gray16Model:
		return "Gray16"
	case color.AlphaModel:
		return "Alpha"
	case color.Alpha16Model:
		return "Alpha16"
	case color.YCbCrModel:
		return "YCbCr"
	case color.CMYKModel:
		return "CMYK"
	}
	if _, ok := m.(color.Palette); ok {
		return "Paletted"
	}
	return "Unknown"
}

// modelHasAlpha reports whether a decoded header declares transparency.
// The PNG decoder reports truecolour without alpha as RGBA/RGBA64 and with
// alpha as NRGBA/NRGBA64. Palettes count only if one of their entries is not
// fully opaque.
func modelHasAlpha(m color.Model) bool {
	switch m {
	case color.NRGBAModel, color.NRGBA64Model, color.AlphaModel, color.Alpha16Model:
		return true
	}
	if p, ok := m.(color.Palette); ok {
		for _, c := range p {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

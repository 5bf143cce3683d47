package metadata

import (
	"fmt"
	"os"

	"github.com/barasher/go-exiftool"
	"github.com/sirupsen/logrus"
)

// CopiedTags are carried from the source JPEG to its re-encoded replacement.
// Orientation is left out on purpose: pixels are already rotated upright
// before encoding.
var CopiedTags = []string{
	"Make",
	"Model",
	"DateTimeOriginal",
	"CreateDate",
	"Artist",
	"Copyright",
	"ImageDescription",
}

// Preserver copies metadata from an original asset to its re-encoded file.
type Preserver interface {
	Copy(src, dst string) error
	Close() error
}

// NopPreserver drops metadata.
type NopPreserver struct{}

// Copy does nothing.
func (NopPreserver) Copy(src, dst string) error { return nil }

// Close does nothing.
func (NopPreserver) Close() error { return nil }

// ExiftoolPreserver copies tags through a long-running exiftool process.
type ExiftoolPreserver struct {
	et     *exiftool.Exiftool
	marker string
	logger *logrus.Logger
}

// NewExiftoolPreserver starts exiftool. It fails when the exiftool binary
// is not installed.
func NewExiftoolPreserver(marker string, logger *logrus.Logger) (*ExiftoolPreserver, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("start exiftool: %w", err)
	}
	return &ExiftoolPreserver{et: et, marker: marker, logger: logger}, nil
}

// New returns an ExiftoolPreserver when enabled, falling back to a
// NopPreserver with a warning if exiftool cannot be started.
func New(enabled bool, marker string, logger *logrus.Logger) Preserver {
	if !enabled {
		return NopPreserver{}
	}
	p, err := NewExiftoolPreserver(marker, logger)
	if err != nil {
		logger.Warnf("Metadata preservation disabled: %v", err)
		return NopPreserver{}
	}
	return p
}

// Copy writes the whitelisted tags of src and the optimizer marker into dst.
func (p *ExiftoolPreserver) Copy(src, dst string) error {
	files := p.et.ExtractMetadata(src)
	if len(files) == 0 {
		return fmt.Errorf("exiftool returned no metadata for %s", src)
	}
	if files[0].Err != nil {
		return fmt.Errorf("read metadata: %w", files[0].Err)
	}

	out := exiftool.FileMetadata{File: dst, Fields: map[string]interface{}{}}
	copied := 0
	for _, tag := range CopiedTags {
		if v, err := files[0].GetString(tag); err == nil && v != "" {
			out.SetString(tag, v)
			copied++
		}
	}
	if p.marker != "" {
		out.SetString("Software", p.marker)
	}

	batch := []exiftool.FileMetadata{out}
	p.et.WriteMetadata(batch)
	// exiftool keeps a backup unless told otherwise
	_ = os.Remove(dst + "_original")
	if batch[0].Err != nil {
		return fmt.Errorf("write metadata: %w", batch[0].Err)
	}

	p.logger.Debugf("Copied %d metadata tags from %s to %s", copied, src, dst)
	return nil
}

// Close stops the exiftool process.
func (p *ExiftoolPreserver) Close() error {
	return p.et.Close()
}

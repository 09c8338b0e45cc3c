package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"github.com/aliskhannn/webp-offload/internal/model"
)

// Codec encodes a prepared PNG or JPEG file into a WebP file.
type Codec interface {
	Name() string
	Available() bool
	Encode(ctx context.Context, src, dst string, quality int) error
}

// CWebP drives libwebp's cwebp encoder.
type CWebP struct {
	Path string
}

// NewCWebP creates a cwebp codec. An empty path means "cwebp" on PATH.
func NewCWebP(path string) *CWebP {
	if path == "" {
		path = "cwebp"
	}
	return &CWebP{Path: path}
}

func (c *CWebP) Name() string { return "cwebp" }

// Available reports whether the binary can be found.
func (c *CWebP) Available() bool {
	_, err := exec.LookPath(c.Path)
	return err == nil
}

// Encode runs cwebp with method 6 and lossless alpha.
func (c *CWebP) Encode(ctx context.Context, src, dst string, quality int) error {
	return run(ctx, c.Path,
		"-quiet",
		"-q", strconv.Itoa(quality),
		"-m", "6",
		"-alpha_q", "100",
		"-o", dst,
		src,
	)
}

// Magick drives ImageMagick.
type Magick struct {
	Path string
}

// NewMagick creates an ImageMagick codec. An empty path means "magick" on
// PATH, falling back to the legacy "convert" binary.
func NewMagick(path string) *Magick {
	if path == "" {
		path = "magick"
	}
	return &Magick{Path: path}
}

func (m *Magick) Name() string { return "imagemagick" }

// Available reports whether the binary, or the legacy convert binary, exists.
func (m *Magick) Available() bool {
	return m.binary() != ""
}

// Encode runs ImageMagick with the same settings as cwebp.
func (m *Magick) Encode(ctx context.Context, src, dst string, quality int) error {
	bin := m.binary()
	if bin == "" {
		return ErrNoConverter
	}
	return run(ctx, bin,
		src,
		"-quality", strconv.Itoa(quality),
		"-define", "webp:method=6",
		"-define", "webp:alpha-quality=100",
		"webp:"+dst,
	)
}

func (m *Magick) binary() string {
	if p, err := exec.LookPath(m.Path); err == nil {
		return p
	}
	if m.Path == "magick" {
		if p, err := exec.LookPath("convert"); err == nil {
			return p
		}
	}
	return ""
}

func run(ctx context.Context, bin string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", filepath.Base(bin), err)
		}
		return fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, msg)
	}

	return nil
}

// convertLocal normalizes the source with imaging and encodes it with c.
// The source is decoded with EXIF orientation applied and converted to
// truecolor NRGBA so palette PNGs keep their alpha channel.
func convertLocal(ctx context.Context, c Codec, path string, quality int, timeout time.Duration) ([]byte, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect type: %w", err)
	}
	if !model.Convertible(mt.String()) {
		return nil, &UnsupportedTypeError{MIME: mt.String()}
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	work, err := os.MkdirTemp("", "webp-offload-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	src := filepath.Join(work, "source.png")
	if err := imaging.Save(imaging.Clone(img), src); err != nil {
		return nil, fmt.Errorf("prepare source: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dst := filepath.Join(work, "out.webp")
	if err := c.Encode(ctx, src, dst, quality); err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}

	data, err := os.ReadFile(dst)
	if err != nil || len(data) == 0 {
		return nil, ErrConversionFailed
	}

	return data, nil
}

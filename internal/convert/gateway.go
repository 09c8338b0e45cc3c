// Package convert turns JPEG and PNG files into WebP bytes, either through a
// remote HTTP converter or through a locally installed codec.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/config"
)

const (
	// Quality is the WebP quality used by every codec.
	Quality = 85

	minTimeout   = 60 * time.Second
	maxErrorBody = 1024
)

// Gateway converts source files to WebP. Remote mode is exclusive: when it is
// enabled, local codecs are never consulted.
type Gateway struct {
	cfg        config.Conversion
	codecs     []Codec
	httpClient *http.Client
}

// New creates a Gateway. Codecs are tried in order in local mode.
func New(cfg config.Conversion, codecs ...Codec) *Gateway {
	if cfg.Timeout < minTimeout {
		cfg.Timeout = minTimeout
	}

	return &Gateway{
		cfg:        cfg,
		codecs:     codecs,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// NewFromConfig creates a Gateway with the cwebp and ImageMagick codecs.
func NewFromConfig(cfg config.Conversion) *Gateway {
	return New(cfg, NewCWebP(cfg.CWebPPath), NewMagick(cfg.MagickPath))
}

// Remote reports whether the gateway converts through the remote service.
func (g *Gateway) Remote() bool {
	return g.cfg.UseRemote && g.cfg.RemoteURL != ""
}

// Method names the conversion method that Convert would use.
func (g *Gateway) Method() string {
	if g.Remote() {
		return "remote"
	}
	if c := g.codec(); c != nil {
		return c.Name()
	}
	return "none"
}

// Convert returns the WebP encoding of the file at path.
func (g *Gateway) Convert(ctx context.Context, path string) ([]byte, error) {
	if g.Remote() {
		data, err := g.convertRemote(ctx, path)
		if err != nil {
			zlog.Logger.Warn().Err(err).Str("path", path).Msg("remote conversion failed")
			return nil, err
		}
		return data, nil
	}

	c := g.codec()
	if c == nil {
		return nil, ErrNoConverter
	}

	return convertLocal(ctx, c, path, Quality, g.cfg.Timeout)
}

func (g *Gateway) codec() Codec {
	for _, c := range g.codecs {
		if c.Available() {
			return c
		}
	}
	return nil
}

func (g *Gateway) convertRemote(ctx context.Context, path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.RemoteURL, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("build remote request: %w", err)
	}
	req.Header.Set("Content-Type", mimetype.Detect(content).String())
	if g.cfg.RemoteAPIKey != "" {
		req.Header.Set("X-API-Key", g.cfg.RemoteAPIKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{URL: g.cfg.RemoteURL, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &AuthError{Status: resp.StatusCode}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RemoteError{Status: resp.StatusCode, Body: string(body)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: g.cfg.RemoteURL, Err: err}
	}
	if len(data) == 0 {
		return nil, ErrConversionFailed
	}

	return data, nil
}

package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AssetID is the opaque identity of a source asset, usually the host's
// attachment ID.
type AssetID int64

// String returns the decimal form of the ID.
func (id AssetID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseAssetID parses a decimal asset ID.
func ParseAssetID(s string) (AssetID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return AssetID(n), nil
}

// Status describes where an asset is in the convert/upload lifecycle.
// Pending is implicit: an asset without a record is pending.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConverted Status = "converted"
	StatusUploaded  Status = "uploaded"
	StatusError     Status = "error"
)

// Processed reports whether the status marks the asset as done for
// conversion purposes.
func (s Status) Processed() bool {
	return s == StatusConverted || s == StatusUploaded
}

// Valid reports whether s can be written to the ledger.
func (s Status) Valid() bool {
	switch s {
	case StatusConverted, StatusUploaded, StatusError:
		return true
	default:
		return false
	}
}

// AssetRecord is the ledger row for one asset.
type AssetRecord struct {
	AssetID      AssetID   `json:"asset_id"`
	Status       Status    `json:"status"`
	RemoteURL    string    `json:"remote_url,omitempty"`    // empty unless uploaded
	LocalPath    string    `json:"local_path,omitempty"`    // produced WebP file
	ErrorMessage string    `json:"error_message,omitempty"` // empty unless error
	UpdatedAt    time.Time `json:"updated_at"`
}

// Asset is a source image together with its size variants.
type Asset struct {
	ID       AssetID   `json:"id"`
	Path     string    `json:"path"` // absolute path of the source file
	MIME     string    `json:"mime"`
	Variants []Variant `json:"variants,omitempty"`
}

// Variant is a resized derivative of the primary image, e.g. "thumbnail".
type Variant struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Document is a unit of markup whose image references can be rewritten.
type Document struct {
	ID      string
	Path    string
	Content string
}

// URLKind selects which optimized URL bulk rewriting points references at.
type URLKind string

const (
	URLKindLocal URLKind = "local"
	URLKindCDN   URLKind = "cdn"
)

// ParseURLKind accepts "local", "cdn" and the legacy alias "r2".
func ParseURLKind(s string) (URLKind, bool) {
	switch s {
	case "", "local":
		return URLKindLocal, true
	case "cdn", "r2":
		return URLKindCDN, true
	default:
		return "", false
	}
}

// Supported MIME types.
const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
	MIMEWebP = "image/webp"
)

// Convertible reports whether mime is a source type the pipeline converts.
func Convertible(mime string) bool {
	return mime == MIMEJPEG || mime == MIMEPNG
}

// AssetEvent announces an asset to the pipeline over the queue. ID identifies
// the event, not the asset.
type AssetEvent struct {
	ID      uuid.UUID `json:"id"`
	AssetID AssetID   `json:"asset_id"`
	Force   bool      `json:"force,omitempty"`
}

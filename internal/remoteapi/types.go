package remoteapi

import "time"

// ChildCountUnknown indicates the child count was not present in the API response.
const ChildCountUnknown = -1

// Item represents a CloudDrive drive item (file, folder, or package).
// Fields are normalized from the Graph API response — callers never see raw API data.
type Item struct {
	ID            string
	Name          string
	DriveID       string // normalized: lowercase (Graph API casing is inconsistent)
	ParentID      string
	ParentDriveID string // drive containing parent (for cross-drive references)
	Size          int64
	ETag          string
	CTag          string
	IsFolder      bool
	IsDeleted     bool
	IsPackage     bool // OneNote packages — sync should skip these
	MimeType      string
	ContentHash  string // base64-encoded
	SHA1Hash      string // hex (Personal accounts only)
	SHA256Hash    string // hex (Business accounts, sometimes)
	CreatedAt     time.Time
	ModifiedAt    time.Time
	ChildCount    int    // ChildCountUnknown if not present
	DownloadURL   string // pre-authenticated, ephemeral; NEVER log
}

// UploadSession identifies an in-progress resumable (chunked) upload.
// UploadURL is pre-authenticated by the server; no Authorization header is
// sent when using it directly.
type UploadSession struct {
	UploadURL      string
	ExpirationTime time.Time
}

// UploadSessionStatus is the result of querying an UploadSession's current
// state, used to determine which byte ranges still need uploading after an
// interrupted transfer.
type UploadSessionStatus struct {
	UploadURL          string
	ExpirationTime     time.Time
	NextExpectedRanges []string
}

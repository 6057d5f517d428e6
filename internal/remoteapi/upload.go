package remoteapi

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/nimbusfs/sync/internal/driveid"
)

// ChunkAlignment is the required alignment for upload chunk sizes (320 KiB).
// All chunks except the final one must be a multiple of this value.
const ChunkAlignment = 320 * 1024

// SimpleUploadMaxSize is the maximum file size for simple (single-request) upload (4 MiB).
// Files larger than this must use resumable upload sessions.
const SimpleUploadMaxSize = 4 * 1024 * 1024

// ChunkedUploadChunkSize is the default chunk size for resumable uploads
// (10 MiB, aligned to 320 KiB) — used as the floor of the clamp range in
// clampChunkSize.
const ChunkedUploadChunkSize = 10 * 1024 * 1024

// chunkedUploadMaxChunkSize is the ceiling of the clamp range (100 MiB):
// beyond this, per-chunk memory/latency outweighs the benefit of fewer
// round trips.
const chunkedUploadMaxChunkSize = 100 * 1024 * 1024

// chunkedUploadSizeDivisor targets roughly 200 chunks per file before
// clamping, so very large files don't end up with thousands of small
// round trips.
const chunkedUploadSizeDivisor = 200

// maxChunkCount is the hard ceiling on the number of chunks a single
// upload session may be split into. A file that would need more chunks
// than this at the clamped size is rejected outright rather than
// hammering the API with tens of thousands of requests.
const maxChunkCount = 10_000

// ErrTooManyChunks is returned when a file is too large to upload even at
// the maximum chunk size without exceeding maxChunkCount chunks.
var ErrTooManyChunks = errors.New("remoteapi: file requires too many chunks to upload")

// ErrChunkHashMismatch is returned when the rolling hash-of-hashes computed
// during chunk upload doesn't match a fresh re-chunking of the same
// content, indicating the local file changed or was read inconsistently
// while the upload was in flight.
var ErrChunkHashMismatch = errors.New("remoteapi: chunk hash verification failed")

// clampChunkSize picks a chunk size for a file of the given size: roughly
// size/chunkedUploadSizeDivisor, clamped to [ChunkedUploadChunkSize,
// chunkedUploadMaxChunkSize] and aligned down to ChunkAlignment (except
// when that would round to zero, in which case the unaligned size is
// kept). Returns ErrTooManyChunks if even the maximum chunk size would
// require more than maxChunkCount chunks.
func clampChunkSize(size int64) (int64, error) {
	chunkSize := size / chunkedUploadSizeDivisor

	if chunkSize < ChunkedUploadChunkSize {
		chunkSize = ChunkedUploadChunkSize
	}

	if chunkSize > chunkedUploadMaxChunkSize {
		chunkSize = chunkedUploadMaxChunkSize
	}

	aligned := chunkSize - (chunkSize % ChunkAlignment)
	if aligned > 0 {
		chunkSize = aligned
	}

	chunkCount := (size + chunkSize - 1) / chunkSize
	if chunkCount > maxChunkCount {
		return 0, fmt.Errorf("%w: %d bytes would need %d chunks at %d bytes each",
			ErrTooManyChunks, size, chunkCount, chunkSize)
	}

	return chunkSize, nil
}

// InitChunks is the first stage of the chunked-upload state machine: it
// picks the chunk size for a file of the given size, refusing outright
// (ErrTooManyChunks) files that would need an unreasonable chunk count.
func (c *Client) InitChunks(size int64) (int64, error) {
	chunkSize, err := clampChunkSize(size)
	if err != nil {
		return 0, err
	}

	c.logger.Debug("initialized chunk plan",
		slog.Int64("size", size),
		slog.Int64("chunk_size", chunkSize),
	)

	return chunkSize, nil
}

// ProgressFunc is a callback invoked after each chunk upload completes.
// bytesUploaded is cumulative; totalBytes is the full file size.
type ProgressFunc func(bytesUploaded, totalBytes int64)

// Upload session request/response types for Graph API JSON serialization.
type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string          `json:"@drive.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
	FileSystemInfo   *fileSystemInfo `json:"fileSystemInfo,omitempty"`
}

// fileSystemInfo preserves local timestamps on upload, preventing CloudDrive
// from overwriting them with server-side receipt time (double-versioning).
type fileSystemInfo struct {
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

type uploadSessionResponse struct {
	UploadURL          string `json:"uploadUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

// uploadSessionStatusResponse is the JSON shape returned when querying an upload session.
type uploadSessionStatusResponse struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// SimpleUpload uploads a file up to 4 MB using a single PUT request.
// For larger files, use CreateUploadSession + UploadChunk.
// The content is sent with application/octet-stream content type.
func (c *Client) SimpleUpload(
	ctx context.Context, driveID driveid.ID, parentID, name string, r io.Reader, size int64,
) (*Item, error) {
	c.logger.Info("simple upload",
		slog.String("drive_id", driveID.String()),
		slog.String("parent_id", parentID),
		slog.String("name", name),
		slog.Int64("size", size),
	)

	path := fmt.Sprintf("/drives/%s/items/%s:/%s:/content", driveID, parentID, url.PathEscape(name))

	resp, err := c.doRawUpload(ctx, http.MethodPut, path, "application/octet-stream", r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&dir); decErr != nil {
		return nil, fmt.Errorf("remoteapi: decoding simple upload response: %w", decErr)
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// CreateUploadSession creates a resumable upload session for a file.
// The returned UploadSession contains a pre-authenticated upload URL.
// When mtime is non-zero, fileSystemInfo is included in the request to
// preserve the local modification timestamp on the server.
func (c *Client) CreateUploadSession(
	ctx context.Context, driveID driveid.ID, parentID, name string, size int64, mtime time.Time,
) (*UploadSession, error) {
	c.logger.Info("creating upload session",
		slog.String("drive_id", driveID.String()),
		slog.String("parent_id", parentID),
		slog.String("name", name),
		slog.Int64("size", size),
	)

	path := fmt.Sprintf("/drives/%s/items/%s:/%s:/createUploadSession", driveID, parentID, url.PathEscape(name))

	item := uploadSessionItem{ConflictBehavior: "replace"}
	if !mtime.IsZero() {
		item.FileSystemInfo = &fileSystemInfo{
			LastModifiedDateTime: mtime.UTC().Format(time.RFC3339),
		}
	}

	reqBody := createUploadSessionRequest{Item: item}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("remoteapi: marshaling upload session request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.parseUploadSessionResponse(resp)
}

// UploadChunk uploads a chunk of data to an upload session.
// Returns the completed Item on the final chunk (201/200), nil for intermediate chunks (202).
// offset is the byte offset, length is the chunk size, total is the full file size.
// The session URL is pre-authenticated, so no Authorization header is sent.
// chunk must be an io.ReaderAt — each retry creates a fresh SectionReader to avoid
// racing with the HTTP transport's writeLoop goroutine from a previous attempt.
func (c *Client) UploadChunk(
	ctx context.Context, session *UploadSession, chunk io.ReaderAt,
	offset, length, total int64,
) (*Item, error) {
	c.logger.Debug("uploading chunk",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
		slog.Int64("total", total),
	)

	contentRange := fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total)

	resp, err := c.doPreAuthRetry(ctx, "upload chunk", func() (*http.Request, error) {
		// Fresh SectionReader per attempt — io.ReaderAt.ReadAt is goroutine-safe,
		// so no race with a previous attempt's transport writeLoop goroutine.
		reader := io.NewSectionReader(chunk, 0, length)

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, reader)
		if reqErr != nil {
			return nil, fmt.Errorf("remoteapi: creating chunk upload request: %w", reqErr)
		}

		req.Header.Set("Content-Range", contentRange)
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("User-Agent", userAgent)
		req.ContentLength = length

		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.handleChunkResponse(resp)
}

// handleChunkResponse processes the HTTP response from an upload chunk request.
// doPreAuthRetry guarantees only 2xx responses reach this function — non-2xx
// (including 416 Range Not Satisfiable) are handled by doPreAuthRetry and
// returned as *APIError with appropriate sentinels (e.g., ErrRangeNotSatisfiable).
// 202 Accepted means intermediate chunk; 200/201 means upload complete with item data.
func (c *Client) handleChunkResponse(resp *http.Response) (*Item, error) {
	switch resp.StatusCode {
	case http.StatusAccepted:
		// Intermediate chunk accepted. Drain body to reuse connection.
		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			return nil, fmt.Errorf("remoteapi: draining chunk response body: %w", drainErr)
		}

		c.logger.Debug("intermediate chunk accepted")

		return nil, nil

	case http.StatusOK, http.StatusCreated:
		// Upload complete — response contains the created/updated item.
		var dir driveItemResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&dir); decErr != nil {
			return nil, fmt.Errorf("remoteapi: decoding final chunk response: %w", decErr)
		}

		item := dir.toItem(c.logger)

		c.logger.Debug("upload complete",
			slog.String("item_id", item.ID),
			slog.String("item_name", item.Name),
		)

		return &item, nil

	default:
		// Unexpected 2xx status (e.g., 204, 206). doPreAuthRetry filters non-2xx.
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message
		c.logger.Error("chunk upload returned unexpected 2xx status",
			slog.Int("status", resp.StatusCode),
		)

		return nil, fmt.Errorf("remoteapi: chunk upload unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// CancelUploadSession cancels an in-progress upload session.
// The session URL is pre-authenticated, so no Authorization header is sent.
func (c *Client) CancelUploadSession(ctx context.Context, session *UploadSession) error {
	c.logger.Info("canceling upload session")

	resp, err := c.doPreAuthRetry(ctx, "cancel upload session", func() (*http.Request, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, session.UploadURL, http.NoBody)
		if reqErr != nil {
			return nil, fmt.Errorf("remoteapi: creating cancel session request: %w", reqErr)
		}

		req.Header.Set("User-Agent", userAgent)

		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Drain body to reuse connection.
	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return fmt.Errorf("remoteapi: draining cancel session response body: %w", drainErr)
	}

	if resp.StatusCode != http.StatusNoContent {
		c.logger.Error("cancel upload session returned unexpected status",
			slog.Int("status", resp.StatusCode),
		)

		return fmt.Errorf("remoteapi: cancel upload session failed with status %d", resp.StatusCode)
	}

	c.logger.Debug("upload session canceled")

	return nil
}

// doRawUpload sends an authenticated request with a custom content type.
// Used for SimpleUpload where application/octet-stream is needed instead of application/json.
// Unlike Do(), this does not retry — retrying a partially-consumed reader is not safe.
func (c *Client) doRawUpload(
	ctx context.Context, method, path, contentType string, body io.Reader,
) (*http.Response, error) {
	url := c.baseURL + path

	c.logger.Debug("preparing raw upload request",
		slog.String("method", method),
		slog.String("path", path),
		slog.String("content_type", contentType),
	)

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("remoteapi: creating raw upload request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("remoteapi: obtaining token for upload: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("raw upload request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("remoteapi: raw upload request failed: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errBody, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message
		resp.Body.Close()

		sentinel := classifyStatus(resp.StatusCode)

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("request-id"),
			Message:    string(errBody),
			Err:        sentinel,
		}
	}

	return resp, nil
}

// QueryUploadSession queries an upload session's status to determine
// which byte ranges have been accepted. Used for resume after interruption.
// The session URL is pre-authenticated, so no Authorization header is sent.
// Unlike most remoteapi calls this never retries: a 404 here is a terminal
// "session gone" result the caller needs immediately, not a transient blip.
func (c *Client) QueryUploadSession(
	ctx context.Context, session *UploadSession,
) (*UploadSessionStatus, error) {
	c.logger.Info("querying upload session status")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, session.UploadURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("remoteapi: creating query session request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remoteapi: query upload session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("remoteapi: upload session expired or not found: %w", ErrNotFound)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, fmt.Errorf("remoteapi: query upload session failed with status %d: %s",
			resp.StatusCode, string(body))
	}

	var ssr uploadSessionStatusResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&ssr); decErr != nil {
		return nil, fmt.Errorf("remoteapi: decoding upload session status: %w", decErr)
	}

	expTime, parseErr := time.Parse(time.RFC3339, ssr.ExpirationDateTime)
	if parseErr != nil {
		c.logger.Warn("invalid session status expiration, using zero time",
			slog.String("raw", ssr.ExpirationDateTime),
			slog.String("error", parseErr.Error()),
		)
	}

	status := &UploadSessionStatus{
		UploadURL:          ssr.UploadURL,
		ExpirationTime:     expTime,
		NextExpectedRanges: ssr.NextExpectedRanges,
	}

	c.logger.Debug("upload session status",
		slog.Int("pending_ranges", len(status.NextExpectedRanges)),
	)

	return status, nil
}

// UploadFromSession runs the UploadChunks/CloseSession stages of the
// chunked-upload state machine against a session the caller already holds
// open (StartSession having happened in an earlier process), for an upload
// that hasn't sent any bytes yet. Use ResumeUpload instead when some chunks
// may have already been accepted.
func (c *Client) UploadFromSession(
	ctx context.Context, session *UploadSession,
	content io.ReaderAt, totalSize int64, progress ProgressFunc,
) (*Item, error) {
	chunkSize, err := c.InitChunks(totalSize)
	if err != nil {
		return nil, err
	}

	item, hash, err := c.UploadChunks(ctx, session, chunkSize, content, totalSize, progress)
	if err != nil {
		c.closeSessionOnError(session)

		return nil, err
	}

	if verifyErr := c.chunkHashVerify(content, 0, totalSize, chunkSize, hash); verifyErr != nil {
		c.closeSessionOnError(session)

		return nil, verifyErr
	}

	return item, nil
}

// ResumeUpload queries session for the byte ranges the server has already
// accepted and continues uploading from the first gap, rather than
// restarting the whole file. Used after a process restart interrupts an
// in-progress chunked upload whose session is still alive.
func (c *Client) ResumeUpload(
	ctx context.Context, session *UploadSession,
	content io.ReaderAt, totalSize int64, progress ProgressFunc,
) (*Item, error) {
	status, err := c.QueryUploadSession(ctx, session)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("remoteapi: %w: %w", ErrUploadSessionExpired, err)
		}

		return nil, fmt.Errorf("remoteapi: resuming upload: %w", err)
	}

	resumeOffset, err := firstExpectedOffset(status.NextExpectedRanges, totalSize)
	if err != nil {
		return nil, err
	}

	chunkSize, err := c.InitChunks(totalSize)
	if err != nil {
		return nil, err
	}

	c.logger.Info("resuming chunked upload",
		slog.Int64("resume_offset", resumeOffset),
		slog.Int64("total_size", totalSize),
	)

	if progress != nil && resumeOffset > 0 {
		progress(resumeOffset, totalSize)
	}

	item, hash, err := c.uploadChunkRange(ctx, session, chunkSize, content, resumeOffset, totalSize, progress)
	if err != nil {
		c.closeSessionOnError(session)

		return nil, err
	}

	if verifyErr := c.chunkHashVerify(content, resumeOffset, totalSize, chunkSize, hash); verifyErr != nil {
		c.closeSessionOnError(session)

		return nil, verifyErr
	}

	return item, nil
}

// firstExpectedOffset parses the starting byte offset out of the first
// entry of nextExpectedRanges ("start-end" or "start-", per the chunked
// upload status contract). An empty list means the server has nothing left
// to receive, so the resume offset is the end of the file.
func firstExpectedOffset(ranges []string, totalSize int64) (int64, error) {
	if len(ranges) == 0 {
		return totalSize, nil
	}

	startStr, _, _ := strings.Cut(ranges[0], "-")

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("remoteapi: parsing next expected range %q: %w", ranges[0], err)
	}

	return start, nil
}

// Upload uploads a file to CloudDrive, automatically choosing simple upload for
// files up to 4 MiB or chunked (resumable) upload for larger files. The session
// lifecycle (create, chunk loop, cancel-on-error) is fully encapsulated.
// content must be an io.ReaderAt so that retries can re-read from arbitrary offsets.
// progress may be nil if no progress reporting is needed.
func (c *Client) Upload(
	ctx context.Context, driveID driveid.ID, parentID, name string,
	content io.ReaderAt, size int64, mtime time.Time, progress ProgressFunc,
) (*Item, error) {
	if size <= SimpleUploadMaxSize {
		r := io.NewSectionReader(content, 0, size)

		item, err := c.SimpleUpload(ctx, driveID, parentID, name, r, size)
		if err != nil {
			return nil, err
		}

		// Simple upload (PUT /content) cannot include fileSystemInfo in the
		// request body. Post-upload PATCH preserves local mtime on the server,
		// preventing mtime mismatch on the next sync cycle.
		if !mtime.IsZero() {
			patched, patchErr := c.UpdateFileSystemInfo(ctx, driveID, item.ID, mtime)
			if patchErr != nil {
				return nil, fmt.Errorf("remoteapi: setting mtime after simple upload: %w", patchErr)
			}

			return patched, nil
		}

		return item, nil
	}

	return c.chunkedUploadEncapsulated(ctx, driveID, parentID, name, content, size, mtime, progress)
}

// chunkedUploadEncapsulated runs the full resumable-upload state machine for
// a freshly started transfer: InitChunks sizes the chunks, CreateUploadSession
// opens the session, UploadChunks streams the file and accumulates a rolling
// hash, and chunkHashVerify confirms the content didn't change mid-upload
// before the caller treats the transfer as Finished. The session is canceled
// on any failure at any stage.
func (c *Client) chunkedUploadEncapsulated(
	ctx context.Context, driveID driveid.ID, parentID, name string,
	content io.ReaderAt, size int64, mtime time.Time, progress ProgressFunc,
) (*Item, error) {
	chunkSize, err := c.InitChunks(size)
	if err != nil {
		return nil, err
	}

	session, err := c.CreateUploadSession(ctx, driveID, parentID, name, size, mtime)
	if err != nil {
		return nil, err
	}

	item, hash, err := c.UploadChunks(ctx, session, chunkSize, content, size, progress)
	if err != nil {
		c.closeSessionOnError(session)

		return nil, err
	}

	if verifyErr := c.chunkHashVerify(content, 0, size, chunkSize, hash); verifyErr != nil {
		c.closeSessionOnError(session)

		return nil, verifyErr
	}

	return item, nil
}

// closeSessionOnError best-effort cancels an upload session after a failed
// stage. Uses a background context since ctx may already be canceled.
func (c *Client) closeSessionOnError(session *UploadSession) {
	if cancelErr := c.CancelUploadSession(context.Background(), session); cancelErr != nil {
		c.logger.Warn("failed to cancel upload session after error",
			slog.String("error", cancelErr.Error()),
		)
	}
}

// UploadChunks is the UploadChunks stage of the chunked-upload state
// machine: it uploads every chunk of content to an already-created session,
// starting at offset 0, and returns the completed Item from the final chunk
// response along with a rolling xxh3 hash-of-hashes across all chunks.
func (c *Client) UploadChunks(
	ctx context.Context, session *UploadSession, chunkSize int64,
	content io.ReaderAt, size int64, progress ProgressFunc,
) (*Item, uint64, error) {
	return c.uploadChunkRange(ctx, session, chunkSize, content, 0, size, progress)
}

// uploadChunkRange uploads chunks of content from startOffset through size,
// used both for a fresh upload (startOffset 0) and for ResumeUpload
// (startOffset at the first gap the server reports). It hashes each chunk
// with xxh3 before sending it and folds the hash into a rolling
// hash-of-hashes, which the caller verifies with chunkHashVerify once the
// range finishes uploading.
func (c *Client) uploadChunkRange(
	ctx context.Context, session *UploadSession, chunkSize int64,
	content io.ReaderAt, startOffset, size int64, progress ProgressFunc,
) (*Item, uint64, error) {
	var lastItem *Item

	rolling := xxh3.New()

	var hashBuf [8]byte

	for offset := startOffset; offset < size; {
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}

		chunkHash, hashErr := hashSection(content, offset, length)
		if hashErr != nil {
			return nil, 0, fmt.Errorf("remoteapi: hashing chunk at offset %d: %w", offset, hashErr)
		}

		binary.BigEndian.PutUint64(hashBuf[:], chunkHash)
		rolling.Write(hashBuf[:]) //nolint:errcheck // xxh3 Write never errors

		chunk := io.NewSectionReader(content, offset, length)

		item, err := c.UploadChunk(ctx, session, chunk, offset, length, size)
		if err != nil {
			return nil, 0, fmt.Errorf("remoteapi: uploading chunk at offset %d: %w", offset, err)
		}

		offset += length

		if progress != nil {
			progress(offset, size)
		}

		if item != nil {
			lastItem = item
		}
	}

	return lastItem, rolling.Sum64(), nil
}

// hashSection computes the xxh3 digest of a single chunk's bytes.
func hashSection(content io.ReaderAt, offset, length int64) (uint64, error) {
	h := xxh3.New()

	if _, err := io.Copy(h, io.NewSectionReader(content, offset, length)); err != nil {
		return 0, err
	}

	return h.Sum64(), nil
}

// chunkHashVerify re-chunks content over [startOffset, size) using the same
// chunk size and recomputes the rolling hash-of-hashes, returning
// ErrChunkHashMismatch if it doesn't match the hash accumulated while
// uploading — a sign the local file changed while the transfer was in
// flight.
func (c *Client) chunkHashVerify(content io.ReaderAt, startOffset, size, chunkSize int64, want uint64) error {
	rolling := xxh3.New()

	var hashBuf [8]byte

	for offset := startOffset; offset < size; {
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}

		chunkHash, err := hashSection(content, offset, length)
		if err != nil {
			return fmt.Errorf("remoteapi: re-hashing chunk at offset %d: %w", offset, err)
		}

		binary.BigEndian.PutUint64(hashBuf[:], chunkHash)
		rolling.Write(hashBuf[:]) //nolint:errcheck // xxh3 Write never errors

		offset += length
	}

	if got := rolling.Sum64(); got != want {
		c.logger.Error("chunk hash verification failed",
			slog.Uint64("got", got),
			slog.Uint64("want", want),
		)

		return fmt.Errorf("%w: got %x, want %x", ErrChunkHashMismatch, got, want)
	}

	return nil
}

// parseUploadSessionResponse parses the HTTP response from CreateUploadSession.
func (c *Client) parseUploadSessionResponse(resp *http.Response) (*UploadSession, error) {
	var usr uploadSessionResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&usr); decErr != nil {
		return nil, fmt.Errorf("remoteapi: decoding upload session response: %w", decErr)
	}

	expTime, parseErr := time.Parse(time.RFC3339, usr.ExpirationDateTime)
	if parseErr != nil {
		c.logger.Warn("invalid upload session expiration, using zero time",
			slog.String("raw", usr.ExpirationDateTime),
			slog.String("error", parseErr.Error()),
		)
	}

	session := &UploadSession{
		UploadURL:      usr.UploadURL,
		ExpirationTime: expTime,
	}

	c.logger.Debug("upload session created",
		slog.Time("expires", session.ExpirationTime),
	)

	return session, nil
}

package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
)

// transferError carries the HTTP status of a rejected artifact request so
// the manager can classify it.
type transferError struct {
	StatusCode int
}

func (e *transferError) Error() string {
	return fmt.Sprintf("artifact server returned HTTP %d", e.StatusCode)
}

// progressReader wraps a reader to report cumulative byte counts.
type progressReader struct {
	reader     io.Reader
	progressCb func(downloaded, total int64)
	downloaded int64
	total      int64
}

func (p *progressReader) Read(b []byte) (n int, err error) {
	n, err = p.reader.Read(b)
	if n > 0 {
		p.downloaded += int64(n)
		if p.progressCb != nil {
			p.progressCb(p.downloaded, p.total)
		}
	}
	return n, err
}

// fetchArtifact streams url into partPath, resuming from whatever the
// part file already holds. progressCb sees cumulative bytes including the
// resumed prefix. Cancelling ctx aborts mid-stream and keeps the partial.
func fetchArtifact(ctx context.Context, client *http.Client, url, partPath string, totalBytes int64, progressCb func(downloaded, total int64)) error {
	var offset int64
	if info, err := os.Stat(partPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Lumen-Client")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("artifact request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Cleanup, error not critical

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// Server ignored the range; start over.
		flags |= os.O_TRUNC
		offset = 0
	default:
		return &transferError{StatusCode: resp.StatusCode}
	}

	file, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open part file: %w", err)
	}
	defer file.Close() //nolint:errcheck // Close error surfaced via Sync below

	reader := &progressReader{
		reader:     resp.Body,
		progressCb: progressCb,
		downloaded: offset,
		total:      totalBytes,
	}
	if _, err := io.Copy(file, reader); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("transfer interrupted: %w", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to flush part file: %w", err)
	}
	return nil
}

// fileChecksum computes the lowercase hex SHA-256 of a file. Returns
// ("", nil) when the file does not exist.
func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close() //nolint:errcheck // Read-only handle

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to hash artifact: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

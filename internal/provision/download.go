package provision

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrVerify is returned when a download does not match its manifest entry.
var ErrVerify = errors.New("download verification failed")

// Downloader streams files over HTTP into part files.
type Downloader struct {
	client *resty.Client
}

// NewDownloader creates a downloader. connectTimeout bounds the wait for
// response headers; bodies may take as long as they need.
func NewDownloader(connectTimeout time.Duration) *Downloader {
	c := resty.New().
		SetHeader("User-Agent", "MeetingNotes/1.0").
		SetRetryCount(0)
	if connectTimeout > 0 {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = connectTimeout
		c.SetTransport(t)
	}
	return &Downloader{client: c}
}

// Fetch streams url into dst, reporting the bytes written so far. When
// wantSize or wantSHA are set the result is verified against them. A failed
// fetch removes dst.
func (d *Downloader) Fetch(ctx context.Context, url, dst string, wantSize int64, wantSHA string, progress func(done int64)) (err error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("get %s: http %d", url, resp.StatusCode())
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", dst, cerr)
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	h := sha256.New()
	cw := &countingWriter{progress: progress}
	n, err := io.Copy(io.MultiWriter(f, h, cw), body)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if wantSize > 0 && n != wantSize {
		return fmt.Errorf("%w: %s: size %d, want %d", ErrVerify, filepath.Base(dst), n, wantSize)
	}
	if wantSHA != "" {
		if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, wantSHA) {
			return fmt.Errorf("%w: %s: sha256 %s, want %s", ErrVerify, filepath.Base(dst), got, wantSHA)
		}
	}
	return nil
}

// wheelRelease is the part of a package index release document that
// describes its files.
type wheelRelease struct {
	URLs []struct {
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
		Digests  struct {
			SHA256 string `json:"sha256"`
		} `json:"digests"`
	} `json:"urls"`
}

// WheelDigest looks up the published size and sha256 of the wheel at
// wheelURL in a PyPI-style JSON index ("<index>/<project>/<version>/json").
func (d *Downloader) WheelDigest(ctx context.Context, index, project, wheelURL string) (int64, string, error) {
	filename := path.Base(wheelURL)
	parts := strings.Split(strings.TrimSuffix(filename, ".whl"), "-")
	if !strings.HasSuffix(filename, ".whl") || len(parts) < 3 {
		return 0, "", fmt.Errorf("%s: not a wheel file name", filename)
	}
	version := parts[1]

	var rel wheelRelease
	resp, err := d.client.R().
		SetContext(ctx).
		SetResult(&rel).
		Get(strings.TrimRight(index, "/") + "/" + project + "/" + version + "/json")
	if err != nil {
		return 0, "", fmt.Errorf("index lookup %s %s: %w", project, version, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, "", fmt.Errorf("index lookup %s %s: http %d", project, version, resp.StatusCode())
	}
	for _, u := range rel.URLs {
		if u.Filename != filename {
			continue
		}
		if len(u.Digests.SHA256) != sha256.Size*2 {
			return 0, "", fmt.Errorf("index lookup %s: no sha256 published", filename)
		}
		return u.Size, u.Digests.SHA256, nil
	}
	return 0, "", fmt.Errorf("index lookup %s: file not listed", filename)
}

type countingWriter struct {
	n        int64
	progress func(int64)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	if w.progress != nil {
		w.progress(w.n)
	}
	return len(p), nil
}

// extractMembers copies every archive entry whose base name ends in one of
// suffixes into dir. It returns the paths written, including those written
// before a failure.
func extractMembers(archive, dir string, suffixes []string) ([]string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	var written []string
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		base := path.Base(zf.Name)
		if !matchesAny(base, suffixes) {
			continue
		}
		dst := filepath.Join(dir, base)
		if err := extractOne(zf, dst); err != nil {
			return written, err
		}
		written = append(written, dst)
	}
	if len(written) == 0 {
		return nil, fmt.Errorf("%w: archive has no member matching %v", ErrVerify, suffixes)
	}
	return written, nil
}

func extractOne(zf *zip.File, dst string) error {
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", zf.Name, err)
	}
	defer rc.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("extract %s: %w", zf.Name, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func matchesAny(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data downloads and loads the image datasets the models train on,
// and holds the graph-level pixel pre- and post-processing.
//
// Images are channels-first, shaped [batch, channels, height, width], with
// values in [0, 1].
package data

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// copyBytesBar copies bytes to an io.Writer while updating a progress bar.
// It requires knowing the content length.
type copyBytesBar struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	amountWritten                 int64
	barUnit, numUnits, addedUnits int64
}

func newCopyBytesBar(w io.Writer, contentLength int64) *copyBytesBar {
	bar := &copyBytesBar{w: w, barUnit: 1}
	for contentLength > bar.barUnit*1024*1024 {
		bar.barUnit *= 1024
	}
	bar.numUnits = (contentLength + bar.barUnit - 1) / bar.barUnit
	bar.bar = progressbar.NewOptions(int(bar.numUnits),
		progressbar.OptionSetDescription(fsutil.ByteCountIEC(contentLength)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return bar
}

// Write implements io.Writer, updating the progress bar.
func (bar *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = bar.w.Write(p)
	bar.amountWritten += int64(n)
	toUnits := bar.amountWritten / bar.barUnit
	if toUnits > bar.addedUnits {
		_ = bar.bar.Add(int(toUnits - bar.addedUnits))
		bar.addedUnits = toUnits
	}
	return
}

// copyWithProgressBar is io.Copy with a progress bar sized to contentLength.
func copyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (n int64, err error) {
	bar := newCopyBytesBar(dst, contentLength)
	n, err = io.Copy(bar, src)
	if bar.addedUnits < bar.numUnits {
		_ = bar.bar.Add(int(bar.numUnits - bar.addedUnits))
	}
	_ = bar.bar.Close()
	fmt.Println()
	return
}

// download fetches url into filePath, creating directories as needed, with a
// progress bar.
func download(url, filePath string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err := os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating file %q", filePath)
	}
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return errors.Wrapf(err, "downloading %q", url)
	}
	if _, err = copyWithProgressBar(file, resp.Body, resp.ContentLength); err != nil {
		return errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", filePath)
	}
	if err = resp.Body.Close(); err != nil {
		return errors.Wrapf(err, "closing connection to %q", url)
	}
	return nil
}

// validateChecksum fails if the file's SHA256 differs from checkHash.
func validateChecksum(filePath, checkHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "opening %q for checksum", filePath)
	}
	defer func() { _ = f.Close() }()
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return errors.Wrapf(err, "hashing %q", filePath)
	}
	got := hex.EncodeToString(hash.Sum(nil))
	if got != checkHash {
		return errors.Errorf("file %q has sha256 %s, wanted %s", filePath, got, checkHash)
	}
	return nil
}

// downloadIfMissing fetches url into filePath unless it already exists, then
// checks the hash when one is given.
func downloadIfMissing(url, filePath, checkHash string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if !fsutil.MustFileExists(filePath) {
		fmt.Printf("Downloading %s ...\n", url)
		if err := download(url, filePath); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return validateChecksum(filePath, checkHash)
}

// untar extracts tarFile inside baseDir, picking the decompression flag from
// the suffix.
func untar(baseDir, tarFile string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	compressionFlag := ""
	if strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz") {
		compressionFlag = "z"
	} else if strings.HasSuffix(tarFile, ".bz2") {
		compressionFlag = "j"
	}
	cmd := exec.Command("tar", fmt.Sprintf("x%sf", compressionFlag), tarFile)
	cmd.Dir = baseDir
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "failed to run %q", cmd)
	}
	return nil
}

// downloadAndUntarIfMissing downloads and extracts a tarball, skipping work
// already done.
func downloadAndUntarIfMissing(url, baseDir, tarFile, targetUntarDir, checkHash string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if !path.IsAbs(tarFile) {
		tarFile = path.Join(baseDir, tarFile)
	}
	if !path.IsAbs(targetUntarDir) {
		targetUntarDir = path.Join(baseDir, targetUntarDir)
	}
	if fsutil.MustFileExists(targetUntarDir) {
		return nil
	}
	if err := downloadIfMissing(url, tarFile, checkHash); err != nil {
		return err
	}
	if err := untar(baseDir, tarFile); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetUntarDir) {
		return errors.Errorf("downloaded from %q and untar'ed %q, but didn't get directory %q",
			url, tarFile, targetUntarDir)
	}
	return nil
}

// Package archive opens a .axp image archive (a ZIP container with a
// deflate-compressed XML manifest) and exposes an ordered list of
// partitions plus lazy, forward-only, restartable byte streams for
// their payloads (spec.md §3/§4.3).
package archive

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

// ErrArchiveInvalid classifies any malformed container: bad central
// directory, missing manifest, unknown compression, or a referenced
// file absent from the archive (spec.md §4.3).
var ErrArchiveInvalid = errors.New("archive: invalid")

// PartitionDescriptor is the §3 partition record as parsed from the
// manifest.
type PartitionDescriptor struct {
	Name          string
	FileRef       string
	TargetAddress uint64
	HasAddress    bool
	TotalLength   uint64
	Role          string
}

// manifestXML mirrors the attribute schema named in spec.md §6: name,
// file, size, optional address, optional role.
type manifestXML struct {
	XMLName    xml.Name `xml:"manifest"`
	Partitions []struct {
		Name    string `xml:"name,attr"`
		File    string `xml:"file,attr"`
		Size    string `xml:"size,attr"`
		Address string `xml:"address,attr"`
		Role    string `xml:"role,attr"`
	} `xml:"partition"`
}

// Archive is an opened .axp container. The manifest is parsed once at
// Open time; payload files are streamed lazily.
type Archive struct {
	zr        *zip.ReadCloser
	manifest  []PartitionDescriptor
	fileIndex map[string]*zip.File
}

// Open opens path as a ZIP container, locates its single XML manifest
// entry, and parses it into an ordered partition list.
func Open(path string) (*Archive, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open zip: %v", ErrArchiveInvalid, err)
	}
	a := &Archive{zr: zr, fileIndex: make(map[string]*zip.File, len(zr.File))}
	var manifestFile *zip.File
	for _, f := range zr.File {
		a.fileIndex[f.Name] = f
		if manifestFile == nil && strings.EqualFold(pathExt(f.Name), ".xml") {
			manifestFile = f
		}
	}
	if manifestFile == nil {
		zr.Close()
		return nil, fmt.Errorf("%w: no manifest entry", ErrArchiveInvalid)
	}
	descs, err := parseManifest(manifestFile)
	if err != nil {
		zr.Close()
		return nil, err
	}
	for _, d := range descs {
		if _, ok := a.fileIndex[d.FileRef]; !ok {
			zr.Close()
			return nil, fmt.Errorf("%w: manifest references missing file %q", ErrArchiveInvalid, d.FileRef)
		}
	}
	a.manifest = descs
	return a, nil
}

func pathExt(name string) string { return path.Ext(name) }

func parseManifest(f *zip.File) ([]PartitionDescriptor, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open manifest: %v", ErrArchiveInvalid, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", ErrArchiveInvalid, err)
	}
	var mx manifestXML
	if err := xml.Unmarshal(data, &mx); err != nil {
		return nil, fmt.Errorf("%w: parse manifest xml: %v", ErrArchiveInvalid, err)
	}
	descs := make([]PartitionDescriptor, 0, len(mx.Partitions))
	for _, p := range mx.Partitions {
		size, err := strconv.ParseUint(p.Size, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: partition %q: invalid size %q: %v", ErrArchiveInvalid, p.Name, p.Size, err)
		}
		d := PartitionDescriptor{
			Name:        p.Name,
			FileRef:     p.File,
			TotalLength: size,
			Role:        p.Role,
		}
		if p.Address != "" {
			addr, err := strconv.ParseUint(strings.TrimPrefix(p.Address, "0x"), 16, 64)
			if err != nil {
				addr, err = strconv.ParseUint(p.Address, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("%w: partition %q: invalid address %q: %v", ErrArchiveInvalid, p.Name, p.Address, err)
				}
			}
			d.TargetAddress = addr
			d.HasAddress = true
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// Manifest returns the ordered partition list as parsed at Open time.
func (a *Archive) Manifest() []PartitionDescriptor {
	out := make([]PartitionDescriptor, len(a.manifest))
	copy(out, a.manifest)
	return out
}

// Open returns a forward-only stream for fileRef. Each call reopens the
// underlying zip.File so a partition stream is always restartable from
// byte zero (spec.md §3's "restartable by reopening" lifecycle rule).
func (a *Archive) Open(fileRef string) (io.ReadCloser, error) {
	f, ok := a.fileIndex[fileRef]
	if !ok {
		return nil, fmt.Errorf("%w: file %q not present", ErrArchiveInvalid, fileRef)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrArchiveInvalid, fileRef, err)
	}
	return rc, nil
}

// Close releases the underlying ZIP handle.
func (a *Archive) Close() error { return a.zr.Close() }

// Filter applies pred to descs, preserving order (spec.md §4.3).
func Filter(descs []PartitionDescriptor, pred func(PartitionDescriptor) bool) []PartitionDescriptor {
	out := make([]PartitionDescriptor, 0, len(descs))
	for _, d := range descs {
		if pred(d) {
			out = append(out, d)
		}
	}
	return out
}

// ExcludeRole returns a predicate rejecting partitions tagged with role,
// implementing the --exclude-rootfs selection filter (spec.md §4.3/§6).
// It is idempotent: applying it to an already-filtered slice is a no-op,
// since it is a stateless predicate over whatever slice it is given.
func ExcludeRole(role string) func(PartitionDescriptor) bool {
	return func(d PartitionDescriptor) bool { return !strings.EqualFold(d.Role, role) }
}

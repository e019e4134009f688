package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/taskloom/internal/ctxlog"
)

// MetaFormatVersion is bumped whenever the artifact layout changes.
const MetaFormatVersion = 1

// MetaFile is the artifact entry describing what the archive contains.
const MetaFile = "meta.json"

// Meta is the artifact's self-description: enough for an execution driver to
// validate the requested top and set positional arguments without reloading
// the design sources.
type Meta struct {
	FormatVersion int      `json:"format_version"`
	Top           string   `json:"top"`
	Platform      string   `json:"platform"`
	Ports         []IRPort `json:"ports"`
	Tasks         []string `json:"tasks"`
}

// PackOptions configures the pack stage.
type PackOptions struct {
	WorkDir string
	// Output is the artifact path. Empty defaults to <top>.loom in the
	// work directory.
	Output string
}

// Pack bundles the linked RTL and the metadata into a single artifact file.
// Entries are written in sorted order with zeroed timestamps, so packing the
// same work directory twice produces byte-identical artifacts.
func Pack(ctx context.Context, opts PackOptions) (string, error) {
	prog, err := LoadProgram(opts.WorkDir)
	if err != nil {
		return "", err
	}
	var synth synthManifest
	if err := readJSON(filepath.Join(opts.WorkDir, synthFile), &synth); err != nil {
		return "", err
	}
	var link linkManifest
	if err := readJSON(filepath.Join(opts.WorkDir, linkFile), &link); err != nil {
		return "", err
	}

	topTask, ok := prog.Task(prog.Top)
	if !ok {
		return "", fmt.Errorf("top task %q missing from IR", prog.Top)
	}
	meta := Meta{
		FormatVersion: MetaFormatVersion,
		Top:           prog.Top,
		Platform:      synth.Platform,
		Ports:         topTask.Ports,
	}
	for _, t := range prog.Tasks {
		meta.Tasks = append(meta.Tasks, t.Name)
	}

	out := opts.Output
	if out == "" {
		out = filepath.Join(opts.WorkDir, prog.Top+".loom")
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	metaData = append(metaData, '\n')
	if err := addEntry(zw, MetaFile, metaData); err != nil {
		return "", err
	}

	// link.json keeps Files sorted, which fixes the archive entry order.
	for _, rel := range link.Files {
		data, err := os.ReadFile(filepath.Join(opts.WorkDir, rel))
		if err != nil {
			return "", fmt.Errorf("reading linked file: %w", err)
		}
		if err := addEntry(zw, filepath.ToSlash(rel), data); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	ctxlog.FromContext(ctx).Info("Packed artifact.", "top", prog.Top, "platform", synth.Platform, "artifact", out, "bytes", buf.Len())
	return out, nil
}

// addEntry writes one archive entry with all non-deterministic header fields
// pinned.
func addEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Time{},
	})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadMeta opens an artifact and returns its metadata entry.
func ReadMeta(artifact string) (Meta, error) {
	var meta Meta
	zr, err := zip.OpenReader(artifact)
	if err != nil {
		return meta, fmt.Errorf("opening artifact %s: %w", artifact, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != MetaFile {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return meta, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return meta, err
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			return meta, fmt.Errorf("decoding %s in %s: %w", MetaFile, artifact, err)
		}
		if meta.FormatVersion != MetaFormatVersion {
			return meta, fmt.Errorf("artifact %s has format version %d, this build understands %d",
				artifact, meta.FormatVersion, MetaFormatVersion)
		}
		return meta, nil
	}
	return meta, fmt.Errorf("artifact %s has no %s entry", artifact, MetaFile)
}

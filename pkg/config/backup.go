package config

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"efio-gateway/pkg/crc"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/logger"
)

// backupMetadataName is the manifest entry inside every backup archive
const backupMetadataName = "backup_metadata.json"

// BackupFileInfo describes one archived document in the manifest
type BackupFileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // CRC16 hex of the file content
}

// BackupMetadata is the manifest stored alongside the config documents
type BackupMetadata struct {
	Created  time.Time        `json:"created"`
	Hostname string           `json:"hostname"`
	Version  string           `json:"version"`
	Files    []BackupFileInfo `json:"files"`
}

// CreateBackup streams a tar.gz bundle of every existing config document
// plus a manifest with per-file checksums.
func (s *Store) CreateBackup(w io.Writer) (*BackupMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hostname, _ := os.Hostname()
	meta := &BackupMetadata{
		Created:  time.Now(),
		Hostname: hostname,
		Version:  StoreVersion,
	}

	type entry struct {
		name string
		data []byte
	}
	var entries []entry

	for _, name := range KnownFiles {
		data, err := os.ReadFile(s.Path(name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("cannot read %s for backup: %w", name, err)
		}
		entries = append(entries, entry{name, data})
		meta.Files = append(meta.Files, BackupFileInfo{
			Name:     name,
			Size:     int64(len(data)),
			Checksum: crc.Sum16Hex(data),
		})
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("cannot encode backup metadata: %w", err)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	writeEntry := func(name string, data []byte) error {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: meta.Created,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	if err := writeEntry(backupMetadataName, metaData); err != nil {
		return nil, fmt.Errorf("cannot archive metadata: %w", err)
	}
	for _, e := range entries {
		if err := writeEntry(e.name, e.data); err != nil {
			return nil, fmt.Errorf("cannot archive %s: %w", e.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	logger.LogInfo("✅ Created config backup with %d files", len(entries))
	return meta, nil
}

// RestoreBackup unpacks a tar.gz bundle produced by CreateBackup. Only
// known document names are restored; checksums from the manifest are
// verified before any file is written, so a corrupt archive changes nothing.
func (s *Store) RestoreBackup(r io.Reader) (*BackupMetadata, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, gwerrors.NewValidationError("backup", "gzip archive", err.Error())
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	var meta *BackupMetadata
	contents := make(map[string][]byte)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, gwerrors.NewValidationError("backup", "tar archive", err.Error())
		}

		// Flat archive: reject paths, keep only known names
		name := hdr.Name
		if name == backupMetadataName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("cannot read backup metadata: %w", err)
			}
			var m BackupMetadata
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, gwerrors.NewValidationError("backup_metadata.json", "valid JSON", err.Error())
			}
			meta = &m
			continue
		}

		if !isKnownFile(name) {
			logger.LogWarn("⚠️  Skipping unknown backup entry: %s", name)
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return nil, err
			}
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s from backup: %w", name, err)
		}
		if !json.Valid(data) {
			return nil, gwerrors.NewValidationError(name, "valid JSON document", "malformed content")
		}
		contents[name] = data
	}

	if meta == nil {
		return nil, gwerrors.NewValidationError("backup", "archive containing backup_metadata.json", "metadata missing")
	}

	// Verify every manifest checksum before touching the directory
	for _, info := range meta.Files {
		data, ok := contents[info.Name]
		if !ok {
			continue
		}
		if !crc.VerifyHex(data, info.Checksum) {
			return nil, gwerrors.NewValidationError(info.Name, "checksum "+info.Checksum, "content mismatch")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, data := range contents {
		if err := s.writeFileLocked(name, data); err != nil {
			return nil, err
		}
	}

	logger.LogInfo("✅ Restored %d config files from backup created %s",
		len(contents), meta.Created.Format("2006/01/02 15:04:05"))
	return meta, nil
}

func isKnownFile(name string) bool {
	for _, known := range KnownFiles {
		if name == known {
			return true
		}
	}
	return false
}

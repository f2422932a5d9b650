package storageserver

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"pkt.systems/scrivd/api"
)

// Checkpoint describes one named durable copy of a file.
type Checkpoint struct {
	Tag       string
	CreatedAt int64
}

func validateTag(tag string) error {
	if tag == "" || strings.ContainsAny(tag, "/\\") || strings.Contains(tag, "..") {
		return api.Failf(api.ErrInvalidFilename, "invalid checkpoint tag %q", tag)
	}
	return nil
}

// CreateCheckpoint copies the file's current bytes under the tag.
func (s *Store) CreateCheckpoint(name, tag string, at time.Time) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	target := s.checkpointPath(name, tag)
	if _, err := os.Stat(target); err == nil {
		return api.Failf(api.ErrCheckpointExists, "checkpoint %q already exists for %q", tag, name)
	}
	data, err := s.Read(name)
	if err != nil {
		return err
	}
	if err := s.writeAtomic(target, data); err != nil {
		return err
	}
	stamp := strconv.FormatInt(at.Unix(), 10) + "\n"
	return s.writeAtomic(target+metaSuffix, []byte(stamp))
}

// ViewCheckpoint returns the checkpoint's bytes.
func (s *Store) ViewCheckpoint(name, tag string) ([]byte, error) {
	if err := validateTag(tag); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.checkpointPath(name, tag))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, api.Failf(api.ErrCheckpointNotFound, "no checkpoint %q for %q", tag, name)
		}
		return nil, fmt.Errorf("storageserver: read checkpoint %q/%q: %w", name, tag, err)
	}
	return data, nil
}

// RevertToCheckpoint saves an undo snapshot and atomically replaces the
// file's bytes with the checkpoint's. The caller is responsible for
// refusing the revert while any sentence of the file is locked.
func (s *Store) RevertToCheckpoint(name, tag string, at time.Time) error {
	data, err := s.ViewCheckpoint(name, tag)
	if err != nil {
		return err
	}
	if err := s.SaveUndo(name); err != nil {
		return err
	}
	if err := s.Write(name, data); err != nil {
		return err
	}
	return s.Touch(name, at)
}

// ListCheckpoints enumerates the file's checkpoint tags with their
// creation stamps, oldest first.
func (s *Store) ListCheckpoints(name string) ([]Checkpoint, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("storageserver: list checkpoints: %w", err)
	}
	prefix := name + checkpointMark
	var out []Checkpoint
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if !strings.HasPrefix(e.Name(), prefix) || strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		tag := strings.TrimPrefix(e.Name(), prefix)
		cp := Checkpoint{Tag: tag}
		if raw, err := os.ReadFile(s.path(e.Name()) + metaSuffix); err == nil {
			cp.CreatedAt, _ = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Tag < out[j].Tag
	})
	return out, nil
}

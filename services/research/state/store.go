// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// checkpointFileVersion is the on-disk checkpoint format version.
const checkpointFileVersion = "1"

// CheckpointID composes the canonical checkpoint identifier.
func CheckpointID(threadID string, stepIndex int) string {
	return fmt.Sprintf("%s:%d", threadID, stepIndex)
}

// fileSafeID maps a checkpoint ID onto the filesystem-safe form: the
// ':' delimiter becomes '__'. Loaders accept both forms.
func fileSafeID(id string) string {
	return strings.ReplaceAll(id, ":", "__")
}

// canonicalID maps the filesystem-safe form back onto the ':'
// delimiter. IDs already carrying ':' pass through; only the last '__'
// is rewritten so a thread ID containing '__' keeps its name.
func canonicalID(id string) string {
	if strings.Contains(id, ":") {
		return id
	}
	if i := strings.LastIndex(id, "__"); i >= 0 {
		return id[:i] + ":" + id[i+2:]
	}
	return id
}

// CheckpointStore persists checkpoints durably under their IDs.
//
// Save overwrites silently: a given (threadID, stepIndex) is write-once
// by convention, so re-saves carry equivalent content. Load returns
// ErrCheckpointNotFound when the ID is absent.
type CheckpointStore interface {
	Save(ctx context.Context, id string, st *datatypes.ResearchState) error
	Load(ctx context.Context, id string) (*datatypes.ResearchState, error)
}

// checkpointFile is the on-disk format for filesystem checkpoints. The
// checksum covers everything but itself, so a truncated or hand-edited
// file is detected on load.
type checkpointFile struct {
	CheckpointID string                   `json:"checkpoint_id"`
	SavedAt      time.Time                `json:"saved_at"`
	Version      string                   `json:"version"`
	Checksum     string                   `json:"checksum,omitempty"`
	State        *datatypes.ResearchState `json:"state"`
}

func (f *checkpointFile) computeChecksum() (string, error) {
	data := struct {
		CheckpointID string                   `json:"checkpoint_id"`
		SavedAt      time.Time                `json:"saved_at"`
		Version      string                   `json:"version"`
		State        *datatypes.ResearchState `json:"state"`
	}{f.CheckpointID, f.SavedAt, f.Version, f.State}

	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// FSStore persists checkpoints as one JSON file per checkpoint in a
// directory, named {threadID}__{stepIndex}.json.
type FSStore struct {
	dir string
	now func() time.Time
}

// NewFSStore creates the directory if needed and returns a store over it.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state: checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("state: create checkpoint directory %s: %w", dir, err)
	}
	return &FSStore{dir: dir, now: time.Now}, nil
}

// Dir returns the directory checkpoints are written to.
func (s *FSStore) Dir() string { return s.dir }

// Save writes the checkpoint atomically: temp file, fsync, rename.
func (s *FSStore) Save(ctx context.Context, id string, st *datatypes.ResearchState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := &checkpointFile{
		CheckpointID: id,
		SavedAt:      s.now().UTC(),
		Version:      checkpointFileVersion,
		State:        st,
	}
	checksum, err := doc.computeChecksum()
	if err != nil {
		return fmt.Errorf("state: checkpoint %s: %w", id, err)
	}
	doc.Checksum = checksum

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal checkpoint %s: %w", id, err)
	}

	path := filepath.Join(s.dir, fileSafeID(id)+".json")
	tempFile, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("state: write checkpoint %s: %w", id, err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("state: sync checkpoint %s: %w", id, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("state: close checkpoint %s: %w", id, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("state: rename checkpoint %s: %w", id, err)
	}

	success = true
	return nil
}

// StoredCheckpoint describes one durable checkpoint file, for tooling
// that inspects the store without a live manager.
type StoredCheckpoint struct {
	CheckpointID string    `json:"checkpoint_id"`
	ThreadID     string    `json:"thread_id"`
	StepIndex    int       `json:"step_index"`
	NodeName     string    `json:"node_name"`
	SavedAt      time.Time `json:"saved_at"`
}

// List scans the store directory and returns the checkpoints for one
// thread, or for every thread when threadID is empty, ordered by
// thread then step index. Unparseable files are skipped.
func (s *FSStore) List(ctx context.Context, threadID string) ([]StoredCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("state: read checkpoint directory %s: %w", s.dir, err)
	}

	var out []StoredCheckpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var doc checkpointFile
		if err := json.Unmarshal(data, &doc); err != nil || doc.State == nil {
			continue
		}

		st := doc.State
		if threadID != "" && st.ThreadID != threadID {
			continue
		}
		out = append(out, StoredCheckpoint{
			CheckpointID: doc.CheckpointID,
			ThreadID:     st.ThreadID,
			StepIndex:    st.StepMetadata.StepIndex,
			NodeName:     st.StepMetadata.NodeName,
			SavedAt:      doc.SavedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ThreadID != out[j].ThreadID {
			return out[i].ThreadID < out[j].ThreadID
		}
		return out[i].StepIndex < out[j].StepIndex
	})
	return out, nil
}

// Load reads a checkpoint by ID, trying the file-safe name first and
// falling back to the legacy ':' name for checkpoints written before
// the rename-safe scheme.
func (s *FSStore) Load(ctx context.Context, id string) (*datatypes.ResearchState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, fileSafeID(id)+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && fileSafeID(id) != id {
		data, err = os.ReadFile(filepath.Join(s.dir, id+".json"))
	}
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("state: checkpoint %s: %w", id, ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("state: read checkpoint %s: %w", id, err)
	}

	var doc checkpointFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("state: parse checkpoint %s: %w", id, err)
	}

	// Files written by earlier tooling are a bare state object with no
	// envelope; they carry no version field.
	if doc.Version == "" {
		var st datatypes.ResearchState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("state: parse legacy checkpoint %s: %w", id, err)
		}
		return &st, nil
	}

	want, err := doc.computeChecksum()
	if err != nil {
		return nil, fmt.Errorf("state: checkpoint %s: %w", id, err)
	}
	if doc.Checksum != want {
		return nil, fmt.Errorf("state: checkpoint %s: %w", id, ErrCheckpointCorrupt)
	}
	if doc.State == nil {
		return nil, fmt.Errorf("state: checkpoint %s has no state: %w", id, ErrCheckpointCorrupt)
	}

	return doc.State, nil
}

// Copyright 2024-2026 Aiku AI

package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"maunium.net/go/mautrix/id"
)

// CredentialBundle is the persisted result of a successful login. It never
// carries a refresh token.
type CredentialBundle struct {
	Homeserver  string      `json:"homeserver"`
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
	AccessToken string      `json:"access_token"`
}

// MarshalBundle encodes the bundle as indented JSON followed by exactly one
// newline.
func MarshalBundle(bundle *CredentialBundle) ([]byte, error) {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credential bundle: %w", err)
	}
	return append(data, '\n'), nil
}

// UnmarshalBundle strictly decodes a bundle. Unknown fields, missing fields
// and any data after the JSON object are rejected.
func UnmarshalBundle(data []byte) (*CredentialBundle, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var bundle CredentialBundle
	if err := dec.Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to decode credential bundle: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after credential bundle")
	}
	if err := bundle.validate(); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (b *CredentialBundle) validate() error {
	switch {
	case b.Homeserver == "":
		return errors.New("credential bundle is missing homeserver")
	case b.UserID == "":
		return errors.New("credential bundle is missing user_id")
	case b.DeviceID == "":
		return errors.New("credential bundle is missing device_id")
	case b.AccessToken == "":
		return errors.New("credential bundle is missing access_token")
	}
	parsed, err := url.Parse(b.Homeserver)
	if err != nil {
		return fmt.Errorf("credential bundle has invalid homeserver: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("credential bundle homeserver %q is not an absolute URL", b.Homeserver)
	}
	return nil
}

// ReadBundle loads the bundle at path. All failures are ErrPersistence.
func ReadBundle(path string) (*CredentialBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, classify(ErrPersistence, "failed to read %s: %w", path, err)
	}
	bundle, err := UnmarshalBundle(data)
	if err != nil {
		return nil, classify(ErrPersistence, "failed to load %s: %w", path, err)
	}
	return bundle, nil
}

// WriteBundle replaces the file at path with the bundle. The new content is
// written to a temporary file in the same directory and renamed over the old
// one, so the file is never observed half-written.
func WriteBundle(path string, bundle *CredentialBundle) error {
	data, err := MarshalBundle(bundle)
	if err != nil {
		return classify(ErrPersistence, "%w", err)
	}

	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0700); err != nil {
		return classify(ErrPersistence, "failed to create directory %s: %w", directory, err)
	}

	tempFile, err := os.CreateTemp(directory, ".session-*.json")
	if err != nil {
		return classify(ErrPersistence, "failed to create temp file for %s: %w", path, err)
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(data)
	if closeErr := tempFile.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tempName, 0600)
	}
	if err == nil {
		err = os.Rename(tempName, path)
	}
	if err != nil {
		_ = os.Remove(tempName)
		return classify(ErrPersistence, "failed to write %s: %w", path, err)
	}
	return nil
}

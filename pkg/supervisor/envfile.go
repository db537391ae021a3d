// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/stacklok/demo-coordinator/pkg/logger"
)

// EnvFile is the scoped credential file handed to the workload container.
// It is written once per session and removed on every session-end path;
// Remove is safe to call more than once.
type EnvFile struct {
	path string
	once sync.Once
}

// WriteEnvFile writes values as NAME=value lines at path, readable only by
// the spawning identity. Keys are upper-cased to environment convention.
func WriteEnvFile(path string, values map[string]string) (*EnvFile, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", strings.ToUpper(k), values[k])
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential file: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to close credential file: %w", err)
	}
	return &EnvFile{path: path}, nil
}

// Path returns the on-disk location of the credential file.
func (f *EnvFile) Path() string {
	return f.path
}

// Remove deletes the credential file. Idempotent.
func (f *EnvFile) Remove() {
	f.once.Do(func() {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			logger.Warnf("failed to remove credential file %s: %v", f.path, err)
		}
	})
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens mints the opaque bearer tokens handed to session holders.
//
// A token is base64(sessionID:unixMillis) + "." + hex(HMAC-SHA256) over the
// pre-encoded payload. The payload makes tokens debuggable offline, but it is
// never trusted: authorization decisions go through the coordinator's token
// maps, not through the encoded contents.
package tokens

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/stacklok/demo-coordinator/pkg/logger"
)

// Minter issues session tokens signed with a process-wide secret.
type Minter struct {
	secret []byte
}

// NewMinter creates a Minter. An empty secret gets replaced by a random one,
// which invalidates outstanding tokens across restarts; that is acceptable for
// this service but logged loudly.
func NewMinter(secret string) *Minter {
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			logger.Panicf("failed to generate session secret: %v", err)
		}
		secret = hex.EncodeToString(buf)
		logger.Warn("SESSION_SECRET not set, using a random secret; tokens will not survive restarts")
	}
	return &Minter{secret: []byte(secret)}
}

// Mint issues a token bound to sessionID. The embedded millisecond timestamp
// makes successive tokens distinct.
func (m *Minter) Mint(sessionID string) string {
	payload := fmt.Sprintf("%s:%d", sessionID, time.Now().UnixMilli())
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + m.sign(payload)
}

// Verify reports whether token carries a valid signature. It does not check
// liveness; membership tests go through the coordinator's token maps.
func (m *Minter) Verify(token string) bool {
	payload, mac, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(m.sign(string(decoded))), []byte(mac)) == 1
}

func (m *Minter) sign(payload string) string {
	h := hmac.New(sha256.New, m.secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

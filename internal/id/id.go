// Package id generates opaque, unique, token-safe identifiers for tasks,
// messages, invites, and tickets.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 32-character nanoid using an alphanumeric alphabet.
// Used for TaskId and MessageId values.
func Generate() string {
	return mustGenerate(32)
}

// GenerateToken returns a 48-character nanoid, used for InviteToken and
// TicketId values where a longer, harder-to-guess string is warranted.
func GenerateToken() string {
	return mustGenerate(48)
}

func mustGenerate(size int) string {
	s, err := gonanoid.Generate(alphabet, size)
	if err != nil {
		panic(fmt.Sprintf("id: generate nanoid: %v", err))
	}
	return s
}

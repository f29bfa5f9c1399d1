// Package id provides ID generation helpers used across the agent.
package id

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 21

const (
	PrefixEntry   = "ent"
	PrefixSegment = "seg"
	PrefixSession = "sess"
)

func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewEntry() string   { return New(PrefixEntry) }
func NewSegment() string { return New(PrefixSegment) }
func NewSession() string { return New(PrefixSession) }

// Package ecs is the minimal entity component store the replication core runs
// against: a tree of entities rooted at the scene, components addressed by
// (type, index) and a registration time table describing replicable fields.
package ecs

import (
	"cmp"
	"fmt"
)

type EntityID uint32

const (
	InvalidEntity EntityID = 0
	// SceneID is the synthetic root every entity tree hangs off. It also
	// carries global components.
	SceneID EntityID = 1
)

type ComponentType uint16

// ComponentKey addresses one component instance on an entity.
type ComponentKey struct {
	Type  ComponentType
	Index uint16
}

func (k ComponentKey) Compare(o ComponentKey) int {
	if c := cmp.Compare(k.Type, o.Type); c != 0 {
		return c
	}
	return cmp.Compare(k.Index, o.Index)
}

func (k ComponentKey) String() string {
	return fmt.Sprintf("%d:%d", k.Type, k.Index)
}

// Privacy controls which observers receive a value. Levels are ordered, a
// value is sent when its level is at least the threshold of the recipient.
type Privacy uint8

const (
	// ServerOnly values never leave the server.
	ServerOnly Privacy = iota
	// Private values are sent to the owning peer only.
	Private
	// Public values are sent to every observer.
	Public
)

func (p Privacy) String() string {
	switch p {
	case ServerOnly:
		return "server-only"
	case Private:
		return "private"
	case Public:
		return "public"
	}
	return fmt.Sprintf("privacy(%d)", uint8(p))
}

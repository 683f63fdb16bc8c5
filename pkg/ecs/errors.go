package ecs

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrSceneRoot       = errors.New("ecs: operation not allowed on the scene root")
	ErrInvalidParent   = errors.New("ecs: parent would create a cycle")
	ErrUnknownType     = errors.New("ecs: component type is not registered")
	ErrComponentExists = errors.New("ecs: component already present")
)

type ErrEntityNotFound struct {
	ID EntityID
}

func (e ErrEntityNotFound) Error() string {
	return fmt.Sprintf("ecs: entity %d not found", e.ID)
}

type ErrNoCompressor struct {
	Type reflect.Type
}

func (e ErrNoCompressor) Error() string {
	return fmt.Sprintf("no compressor for %v", e.Type)
}

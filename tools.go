//go:build tools

// Package messagingcore tracks the tools run by go generate, such as
// mockgen, as module dependencies.
package messagingcore

import (
	_ "go.uber.org/mock/mockgen"
)

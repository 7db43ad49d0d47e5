//go:build debug
// +build debug

package utils

import "github.com/sirupsen/logrus"

// defaultLevel is used when no level is configured.
const defaultLevel = logrus.DebugLevel

//go:build !debug
// +build !debug

package utils

import "github.com/sirupsen/logrus"

const defaultLevel = logrus.InfoLevel

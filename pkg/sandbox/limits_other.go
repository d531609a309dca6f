//go:build !linux && !darwin

package sandbox

const limitsSupported = false

const rssScale = 1024

func setLimits(int, Limits) error { return nil }

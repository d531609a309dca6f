package sandbox

const limitsSupported = false

// Darwin reports ru_maxrss in bytes.
const rssScale = 1

func setLimits(int, Limits) error { return nil }

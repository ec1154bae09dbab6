package engine

// SetBeforeSiblingLock installs fn for the duration of a test.
func SetBeforeSiblingLock(fn func()) (restore func()) {
	prev := testHookBeforeSiblingLock
	testHookBeforeSiblingLock = fn
	return func() { testHookBeforeSiblingLock = prev }
}

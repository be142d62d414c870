package filestore

// SetWriteFileHook replaces the ref file writer and returns a function that
// restores it.
func SetWriteFileHook(hook func(path string, data []byte) error) (restore func()) {
	prev := writeFile
	writeFile = hook
	return func() { writeFile = prev }
}

// WriteFile is the unhooked ref file writer.
var WriteFile = writeFile

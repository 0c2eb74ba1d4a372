package internal

import (
	"io"
	"log"
	"os"
)

// FileOpen opens a file for reading, and panics if that fails.
func FileOpen(name string) *os.File {
	file, err := os.Open(name)
	if err != nil {
		log.Panic(err)
	}
	return file
}

// FileCreate creates a file for writing, and panics if that fails.
func FileCreate(name string) *os.File {
	file, err := os.Create(name)
	if err != nil {
		log.Panic(err)
	}
	return file
}

// Close closes a closer, and panics if that fails.
func Close(closer io.Closer) {
	if err := closer.Close(); err != nil {
		log.Panic(err)
	}
}

// MkdirAll wraps os.MkdirAll, and panics if that fails.
func MkdirAll(path string, perm os.FileMode) {
	if err := os.MkdirAll(path, perm); err != nil {
		log.Panic(err)
	}
}

// Write writes bytes to a writer, and panics if that fails.
func Write(w io.Writer, b []byte) int {
	n, err := w.Write(b)
	if err != nil {
		log.Panic(err)
	}
	return n
}

// WriteString writes a string to a writer, and panics if that fails.
func WriteString(w io.Writer, s string) int {
	n, err := io.WriteString(w, s)
	if err != nil {
		log.Panic(err)
	}
	return n
}

// Package tempfile creates uniquely named temporary files suitable for the
// temp-then-rename write protocol used by the disk tier (see disk.Cache.Set).
package tempfile

import (
	"errors"
	"os"

	"github.com/google/uuid"
)

const flags = os.O_RDWR | os.O_CREATE | os.O_EXCL

// FinalMode is the permission bits (before umask) a temp file is created
// with; the file keeps them when it is later renamed into place.
const FinalMode = 0664

var errNoTempfile = errors.New("failed to create a temp file after repeated collisions")

// Creator creates temp files with collision-resistant names. It holds no
// mutable state and always draws its name suffixes from uuid.NewString.
type Creator struct{}

// NewCreator returns a new Creator, for creating temp files.
func NewCreator() *Creator {
	return &Creator{}
}

// Create attempts to create a file whose name is of the form
// "<base>-<uuid>". The *os.File is returned along with the random suffix,
// and an error if something went wrong.
//
// Once the file has been successfully written by the caller, it should be
// renamed to its final path (see disk.Cache.Set) to publish it atomically.
func (c *Creator) Create(base string) (*os.File, string, error) {
	var lastErr error

	for i := 0; i < 10; i++ {
		random := uuid.NewString()
		name := base + "-" + random

		f, err := os.OpenFile(name, flags, FinalMode)
		if err == nil {
			return f, random, nil
		}
		if os.IsExist(err) {
			// Tempfile collision. Try again.
			lastErr = err
			continue
		}

		// Unexpected error.
		return nil, "", err
	}

	if lastErr == nil {
		lastErr = errNoTempfile
	}
	return nil, "", lastErr
}

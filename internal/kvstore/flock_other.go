//go:build !unix

package kvstore

import "os"

// Advisory locking is unix-only; elsewhere the in-process mutex is all we have.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
